package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/tidwall/pretty"

	"github.com/matteso1/asyncstore"
	"github.com/matteso1/asyncstore/internal/logger"
	"github.com/matteso1/asyncstore/internal/structured"
)

type cmdGet struct {
	Key string `arg:"" help:"Key to read."`
}

type cmdSet struct {
	Key   string `arg:"" help:"Key to write."`
	Value string `arg:"" help:"Value to store."`
}

type cmdRemove struct {
	Keys []string `arg:"" help:"Keys to remove, atomically."`
}

type cmdKeys struct{}

type cmdMultiGet struct {
	Keys []string `arg:"" help:"Keys to read."`
}

type cmdMultiSet struct {
	Pairs []string `arg:"" help:"key=value pairs, written atomically."`
}

type cmdMerge struct {
	Key     string `arg:"" help:"Key holding a JSON object."`
	Partial string `arg:"" help:"JSON object to merge in."`
}

type cmdClear struct{}

type cmdStats struct{}

type cmdCompact struct{}

type cmdServe struct {
	Addr string `default:"127.0.0.1:9464" help:"Listen address for /metrics and /healthz."`
}

type cmdBench struct {
	N int `short:"n" default:"100" help:"Number of items to write."`
}

type cliArgs struct {
	Dir      string        `short:"d" env:"ASYNCSTORE_DIR" default:".asyncstore" help:"Store directory."`
	Backend  string        `short:"b" env:"ASYNCSTORE_BACKEND" default:"lsm" help:"Storage engine: lsm, leveldb, badger or bolt."`
	LogLevel string        `env:"ASYNCSTORE_LOG_LEVEL" default:"warn" help:"Log level: debug, info, warn, error."`
	Sync     string        `env:"ASYNCSTORE_SYNC" default:"always" enum:"always,batch,none" help:"When the lsm engine fsyncs its log: always, batch or none."`
	Compress int           `help:"Store values longer than this many bytes compressed; 0 disables."`
	Timeout  time.Duration `default:"30s" help:"How long to wait for a result."`

	Get      cmdGet      `cmd:"" help:"Print the value of a key."`
	Set      cmdSet      `cmd:"" help:"Set a key."`
	Remove   cmdRemove   `cmd:"" help:"Remove keys."`
	Keys     cmdKeys     `cmd:"" help:"List all keys in order."`
	MultiGet cmdMultiGet `cmd:"" help:"Print several keys and their values."`
	MultiSet cmdMultiSet `cmd:"" help:"Set several keys in one atomic write."`
	Merge    cmdMerge    `cmd:"" help:"Deep-merge a JSON object into the value of a key."`
	Clear    cmdClear    `cmd:"" help:"Remove every key."`
	Stats    cmdStats    `cmd:"" help:"Show store statistics."`
	Compact  cmdCompact  `cmd:"" help:"Reclaim space held by overwritten and removed entries."`
	Bench    cmdBench    `cmd:"" help:"Time a burst of sets, a key listing, a multi-get and a multi-set."`
	Serve    cmdServe    `cmd:"" help:"Hold the store open and serve its metrics until interrupted."`
}

// cliConfig holds the process hooks the CLI runs against.
type cliConfig struct {
	Name        string
	Description string
	Exit        func(int)
	Stdout      io.Writer
	Stderr      io.Writer
}

func newCliConfig() *cliConfig {
	return &cliConfig{
		Name:        "asyncstore",
		Description: "Inspect and modify an asyncstore directory.",
		Exit:        os.Exit,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	}
}

// errNotFound makes get exit with status 1 without an error message.
var errNotFound = errors.New("key not found")

// run parses args and executes the selected command. It returns the
// process exit status.
func run(args []string, config *cliConfig) (int, error) {
	var cli cliArgs
	parser, err := kong.New(&cli,
		kong.Name(config.Name),
		kong.Description(config.Description),
		kong.Exit(config.Exit),
		kong.Writers(config.Stdout, config.Stderr),
		kong.UsageOnError(),
	)
	if err != nil {
		return 2, err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return 2, err
	}

	log, err := logger.New(logger.Config{Level: cli.LogLevel, Encoding: "console"})
	if err != nil {
		return 2, err
	}
	defer log.Sync()

	kind, err := asyncstore.ParseBackend(cli.Backend)
	if err != nil {
		return 2, err
	}
	mode, err := asyncstore.ParseSyncMode(cli.Sync)
	if err != nil {
		return 2, err
	}
	store, err := asyncstore.New(cli.Dir,
		asyncstore.WithBackend(kind),
		asyncstore.WithSyncMode(mode),
		asyncstore.WithLogger(log),
		asyncstore.WithCompressThreshold(cli.Compress),
	)
	if err != nil {
		return 1, err
	}

	if kctx.Command() == "serve" {
		err = serve(store, cli.Serve.Addr, config.Stdout)
		ctx, cancel := context.WithTimeout(context.Background(), cli.Timeout)
		defer cancel()
		if cerr := store.Close(ctx); err == nil {
			err = cerr
		}
		if err != nil {
			return 1, err
		}
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), cli.Timeout)
	defer cancel()

	err = execute(ctx, kctx.Command(), &cli, store, config.Stdout)
	if cerr := store.Close(ctx); err == nil {
		err = cerr
	}
	switch {
	case errors.Is(err, errNotFound):
		return 1, nil
	case err != nil:
		return 1, err
	}
	return 0, nil
}

func execute(ctx context.Context, cmd string, cli *cliArgs, s *asyncstore.Store, out io.Writer) error {
	switch cmd {
	case "get <key>":
		v, err := s.GetItem(cli.Get.Key).Await(ctx)
		if err != nil {
			return err
		}
		if v == nil {
			return errNotFound
		}
		fmt.Fprintln(out, render(*v))
	case "set <key> <value>":
		_, err := s.SetItem(cli.Set.Key, cli.Set.Value).Await(ctx)
		return err
	case "remove <keys>":
		_, err := s.MultiRemove(cli.Remove.Keys).Await(ctx)
		return err
	case "keys":
		keys, err := s.GetAllKeys().Await(ctx)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Fprintln(out, k)
		}
	case "multi-get <keys>":
		pairs, err := s.MultiGet(cli.MultiGet.Keys).Await(ctx)
		if err != nil {
			return err
		}
		for _, p := range pairs {
			v := "(nil)"
			if p.Value != nil {
				v = *p.Value
			}
			fmt.Fprintf(out, "%s\t%s\n", p.Key, v)
		}
	case "multi-set <pairs>":
		pairs, err := parsePairs(cli.MultiSet.Pairs)
		if err != nil {
			return err
		}
		_, err = s.MultiSet(pairs).Await(ctx)
		return err
	case "merge <key> <partial>":
		_, err := s.MergeItem(cli.Merge.Key, cli.Merge.Partial).Await(ctx)
		return err
	case "clear":
		_, err := s.Clear().Await(ctx)
		return err
	case "compact":
		_, err := s.Compact().Await(ctx)
		return err
	case "stats":
		// Open the engine so the numbers describe a live store
		if _, err := s.GetAllKeys().Await(ctx); err != nil {
			return err
		}
		b, err := json.Marshal(s.Stats())
		if err != nil {
			return err
		}
		out.Write(pretty.Pretty(b))
	case "bench":
		return bench(ctx, s, cli.Bench.N, out)
	default:
		return fmt.Errorf("unrecognized command: %s", cmd)
	}
	return nil
}

// render pretty-prints JSON values and leaves other text alone.
func render(v string) string {
	if _, err := structured.Parse(v); err != nil {
		return v
	}
	return strings.TrimRight(string(pretty.Pretty([]byte(v))), "\n")
}

func parsePairs(args []string) ([]asyncstore.Pair, error) {
	pairs := make([]asyncstore.Pair, len(args))
	for i, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("pair %q: expected key=value", arg)
		}
		pairs[i] = asyncstore.Pair{Key: k, Value: &v}
	}
	return pairs, nil
}

// bench fires n sets without waiting, then lists, reads and rewrites all
// keys, printing the time each step took.
func bench(ctx context.Context, s *asyncstore.Store, n int, out io.Writer) error {
	start := time.Now()
	futures := make([]*asyncstore.Future[asyncstore.Ack], n)
	for i := range futures {
		futures[i] = s.SetItem(fmt.Sprintf("bench-%06d", i), fmt.Sprintf("value %d", i))
	}
	for _, f := range futures {
		if _, err := f.Await(ctx); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "setItem x%d\t%v\n", n, time.Since(start))

	start = time.Now()
	keys, err := s.GetAllKeys().Await(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "getAllKeys (%d)\t%v\n", len(keys), time.Since(start))

	start = time.Now()
	pairs, err := s.MultiGet(keys).Await(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "multiGet (%d)\t%v\n", len(pairs), time.Since(start))

	start = time.Now()
	if _, err := s.MultiSet(pairs).Await(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "multiSet (%d)\t%v\n", len(pairs), time.Since(start))
	return nil
}
