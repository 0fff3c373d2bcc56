package main

import (
	"context"
	"fmt"
	"log"
	"os"

	badger4 "github.com/ipfs/go-ds-badger4"
	"github.com/urfave/cli/v2"

	"github.com/ottojung/increment/datastore"
	"github.com/ottojung/increment/engine"
	"github.com/ottojung/increment/schema"
	"github.com/ottojung/increment/store"
	"github.com/ottojung/increment/value"
)

var backing datastore.Datastore

func initStore(dbPath string) error {
	if backing != nil {
		return nil
	}
	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}
	var err error
	backing, err = datastore.Open(dbPath, &badger4.DefaultOptions)
	if err != nil {
		return fmt.Errorf("opening datastore: %w", err)
	}
	return nil
}

func closeStore() error {
	if backing != nil {
		return backing.Close()
	}
	return nil
}

// demoSchema is a small toy schema exercised by the CLI: a source "x", a
// derived "doubled" reading it, and a pattern "event_context(e)" reading
// a separate "all_events" source.
func demoSchema() []schema.NodeDefinition {
	return []schema.NodeDefinition{
		{Output: "x"},
		{
			Output: "doubled",
			Inputs: []string{"x"},
			Computor: func(_ context.Context, inputs []value.Value, _ value.Value, _ map[string]string) (value.Value, error) {
				s, _ := inputs[0].(string)
				return s + s, nil
			},
		},
		{Output: "all_events"},
		{
			Output: "event_context(e)",
			Inputs: []string{"all_events"},
			Computor: func(_ context.Context, inputs []value.Value, _ value.Value, bindings map[string]string) (value.Value, error) {
				return fmt.Sprintf("%v for %s", inputs[0], bindings["e"]), nil
			},
		},
	}
}

func openEngine() (*engine.Engine, error) {
	return engine.New(backing, demoSchema(), engine.Config{Logger: log.Default()})
}

func main() {
	app := &cli.App{
		Name:  "incrdb",
		Usage: "demo CLI for the incremental computation engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db",
				Aliases: []string{"d"},
				Value:   ".incrdb",
				Usage:   "path to the badger storage directory",
				EnvVars: []string{"INCRDB_PATH"},
			},
		},
		Before: func(c *cli.Context) error {
			return initStore(c.String("db"))
		},
		After: func(c *cli.Context) error {
			return closeStore()
		},
		Commands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "set a source key to a value",
				ArgsUsage: "<key> <value>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return fmt.Errorf("expected <key> <value>")
					}
					eng, err := openEngine()
					if err != nil {
						return err
					}
					return eng.Set(context.Background(), c.Args().Get(0), c.Args().Get(1))
				},
			},
			{
				Name:      "pull",
				Usage:     "pull the up-to-date value of a key",
				ArgsUsage: "<key>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("expected <key>")
					}
					eng, err := openEngine()
					if err != nil {
						return err
					}
					v, err := eng.Pull(context.Background(), c.Args().Get(0))
					if err != nil {
						return err
					}
					fmt.Println(v)
					return nil
				},
			},
			{
				Name:      "seed",
				Usage:     "write a bare source value with no inputs record, exercising pull's lazy index-backfill path",
				ArgsUsage: "<key> <value>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return fmt.Errorf("expected <key> <value>")
					}
					eng, err := openEngine()
					if err != nil {
						return err
					}
					return eng.Seed(context.Background(), c.Args().Get(0), c.Args().Get(1))
				},
			},
			{
				Name:  "schemas",
				Usage: "list every schema namespace present in the store",
				Action: func(c *cli.Context) error {
					hashes, err := store.ListSchemas(context.Background(), backing)
					if err != nil {
						return err
					}
					for _, h := range hashes {
						fmt.Println(h)
					}
					return nil
				},
			},
			{
				Name:  "debug",
				Usage: "inspect engine-internal state",
				Subcommands: []*cli.Command{
					{
						Name:      "freshness",
						Usage:     "show a key's freshness state",
						ArgsUsage: "<key>",
						Action: func(c *cli.Context) error {
							if c.NArg() != 1 {
								return fmt.Errorf("expected <key>")
							}
							eng, err := openEngine()
							if err != nil {
								return err
							}
							f, err := eng.DebugGetFreshness(context.Background(), c.Args().Get(0))
							if err != nil {
								return err
							}
							fmt.Println(f)
							return nil
						},
					},
					{
						Name:  "materialized",
						Usage: "list every key computed at least once",
						Action: func(c *cli.Context) error {
							eng, err := openEngine()
							if err != nil {
								return err
							}
							keys, err := eng.DebugListMaterialized(context.Background())
							if err != nil {
								return err
							}
							for _, k := range keys {
								fmt.Println(k)
							}
							return nil
						},
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
