// Command loam-cli pokes at a loam database from the shell: point
// reads and writes, and prefix range scans.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/loamdb/loam"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "get":
		err = getCommand(args)
	case "set":
		err = setCommand(args)
	case "del":
		err = delCommand(args)
	case "scan":
		err = scanCommand(args)
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: loam-cli <command> [options]

Commands:
  get  -dir <path> [-config <file>] <key>
  set  -dir <path> [-config <file>] <key> <value>
  del  -dir <path> [-config <file>] <key>
  scan -dir <path> [-config <file>] [-prefix <p>] [-limit <n>]
`)
}

// openDB builds options from flags, loading a YAML config file first
// when one is given.
func openDB(fs *flag.FlagSet) (*loam.DB, error) {
	dir := fs.Lookup("dir").Value.String()
	if dir == "" {
		return nil, fmt.Errorf("-dir is required")
	}
	cfg := fs.Lookup("config").Value.String()

	var opts loam.Options
	var err error
	if cfg != "" {
		opts, err = loam.OptionsFromFile(dir, cfg)
		if err != nil {
			return nil, err
		}
	} else {
		opts = loam.DefaultOptions(dir)
	}
	return loam.Open(opts)
}

func commonFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.String("dir", "", "database directory")
	fs.String("config", "", "optional YAML options file")
	return fs
}

func getCommand(args []string) error {
	fs := commonFlags("get")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("get needs exactly one key")
	}
	db, err := openDB(fs)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.View(context.Background(), func(txn *loam.Txn) error {
		item, err := txn.Get([]byte(fs.Arg(0)))
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", item.Value())
		return nil
	})
}

func setCommand(args []string) error {
	fs := commonFlags("set")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("set needs a key and a value")
	}
	db, err := openDB(fs)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(context.Background(), func(txn *loam.Txn) error {
		return txn.Set([]byte(fs.Arg(0)), []byte(fs.Arg(1)))
	})
}

func delCommand(args []string) error {
	fs := commonFlags("del")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("del needs exactly one key")
	}
	db, err := openDB(fs)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(context.Background(), func(txn *loam.Txn) error {
		return txn.Delete([]byte(fs.Arg(0)))
	})
}

func scanCommand(args []string) error {
	fs := commonFlags("scan")
	prefix := fs.String("prefix", "", "only keys with this prefix")
	limit := fs.Int("limit", 0, "stop after this many keys (0 = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	db, err := openDB(fs)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.View(context.Background(), func(txn *loam.Txn) error {
		it := txn.NewIterator(loam.IteratorOptions{Prefix: []byte(*prefix)})
		defer it.Close()

		n := 0
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			fmt.Printf("%s\t%s\n", item.Key(), item.Value())
			n++
			if *limit > 0 && n >= *limit {
				break
			}
		}
		if err := it.Err(); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%d keys\n", n)
		return nil
	})
}
