// Command omem-shell is a small command-line exerciser over the omem
// region/heap/list/htable/tree stack: its demo subcommand creates or
// attaches a region, allocates and frees blocks, and exercises the hash
// table and hash-tree layers; its stress subcommand runs concurrent
// alloc/free under a region guard.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"github.com/eclbsys/omem/internal/cli"
	"github.com/eclbsys/omem/internal/heap"
	"github.com/eclbsys/omem/internal/htable"
	"github.com/eclbsys/omem/internal/list"
	"github.com/eclbsys/omem/internal/offset"
	"github.com/eclbsys/omem/internal/region"
	"github.com/eclbsys/omem/internal/tree"
)

// greetingEntry is a caller-owned htable member: list.Node embedded
// first, as every intrusive table member must be, with whatever
// trailing payload the caller needs. htable itself never looks past
// the embedded Node.
type greetingEntry struct {
	list.Node
	wordLen uint16
	word    [32]byte
}

func wordOf(e *greetingEntry) string { return string(e.word[:e.wordLen]) }

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [flags]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "COMMANDS:\n")
	fmt.Fprintf(os.Stderr, "  demo      create a region and exercise heap/htable/tree\n")
	fmt.Fprintf(os.Stderr, "  stress    concurrently allocate/free against a private region under a guard\n")
	fmt.Fprintf(os.Stderr, "  version   show version information\n")
	fmt.Fprintf(os.Stderr, "  help      show this message\n")
	fmt.Fprintf(os.Stderr, "\nFLAGS (demo, stress; given after the command):\n")
	fmt.Fprintf(os.Stderr, "  -config <path>  load capacity/headroom/workers defaults from a JSON file\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	sub := os.Args[1]
	args := os.Args[2:]

	var err error

	switch sub {
	case "demo":
		err = runDemo(args)
	case "stress":
		err = runStress(args)
	case "version", "-v", "--version":
		cli.PrintVersion("omem-shell", hasFlag(args, "--json"))

		return
	case "help", "-h", "--help":
		usage()

		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", sub)
		usage()
		os.Exit(2)
	}

	if err != nil {
		cli.ExitWithError("omem-shell: %v", err)
	}
}

func hasFlag(args []string, name string) bool {
	for _, a := range args {
		if a == name {
			return true
		}
	}

	return false
}

func runDemo(args []string) error {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	configPath := fs.String("config", "", "JSON file with capacity/headroom defaults")
	verbose := fs.Bool("verbose", false, "log each step")
	capacityFlag := fs.Uint64("capacity", 0, "heap capacity in bytes (0 = use config or built-in default)")
	name := fs.String("name", "", "shared region name (empty = private)")
	_ = fs.Parse(args)

	cfg, err := cli.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	capacity := *capacityFlag
	if capacity == 0 {
		capacity = cfg.Capacity
	}

	if capacity == 0 {
		capacity = 1 << 20
	}

	logger := cli.NewLogger(*verbose, false)
	logger.Info("creating region: capacity=%d name=%q", capacity, *name)

	h, err := region.Create(*name, capacity, cfg.Headroom)
	if err != nil {
		return fmt.Errorf("create region: %w", err)
	}
	defer func() { _ = h.Destroy() }()

	hp := heap.New(h)

	p1 := hp.Alloc(128)
	p2 := hp.Alloc(256)

	fmt.Println(hp.Stats())

	hp.Free(p1)
	hp.Free(p2)

	tbl, err := htable.New(hp, h.Base(), 17)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	entryPtr := hp.Alloc(unsafe.Sizeof(greetingEntry{}))
	if entryPtr == nil {
		return fmt.Errorf("allocate table entry: %w", heap.ErrHeapExhausted)
	}

	entry := (*greetingEntry)(entryPtr)
	*entry = greetingEntry{wordLen: uint16(len("greeting"))}
	copy(entry.word[:], "greeting")

	entryOff := offset.ToOffset(h.Base(), entryPtr)
	hash := htable.StringHash("greeting")

	if err := tbl.Add(hash, entryOff); err != nil {
		return fmt.Errorf("table add: %w", err)
	}

	found := tbl.Find(hash, func(off offset.Offset) bool {
		return wordOf((*greetingEntry)(offset.ToPointer(h.Base(), off))) == "greeting"
	})
	if found == offset.Null {
		return fmt.Errorf("table lookup failed immediately after insert")
	}

	fmt.Printf("table size: %d\n", tbl.Len())

	tr, err := tree.New(hp, h.Base())
	if err != nil {
		return fmt.Errorf("create tree: %w", err)
	}

	etc, err := tr.Add(tr.Root(), "etc", offset.Null)
	if err != nil {
		return fmt.Errorf("tree add: %w", err)
	}

	if _, err := tr.Add(etc, "passwd", offset.Offset(42)); err != nil {
		return fmt.Errorf("tree add nested: %w", err)
	}

	resolved, err := tr.Get("etc/passwd")
	if err != nil {
		return fmt.Errorf("tree resolve: %w", err)
	}

	fmt.Printf("resolved etc/passwd value: %d\n", tr.Value(resolved))

	return nil
}

func runStress(args []string) error {
	fs := flag.NewFlagSet("stress", flag.ExitOnError)
	configPath := fs.String("config", "", "JSON file with capacity/headroom/workers defaults")
	workersFlag := fs.Int("workers", 0, "concurrent goroutines (0 = use config or built-in default)")
	iterations := fs.Int("iterations", 1000, "allocations per worker")
	capacityFlag := fs.Uint64("capacity", 0, "heap capacity in bytes (0 = use config or built-in default)")
	_ = fs.Parse(args)

	cfg, err := cli.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	capacity := *capacityFlag
	if capacity == 0 {
		capacity = cfg.Capacity
	}

	if capacity == 0 {
		capacity = 1 << 22
	}

	workerCount := *workersFlag
	if workerCount == 0 {
		workerCount = cfg.Workers
	}

	if workerCount == 0 {
		workerCount = 4
	}

	headroom := cfg.Headroom
	if headroom == 0 {
		headroom = 64
	}

	h, err := region.Create("", capacity, headroom)
	if err != nil {
		return fmt.Errorf("create region: %w", err)
	}
	defer func() { _ = h.Destroy() }()

	hp := heap.New(h)

	guard, err := region.NewGuard(h)
	if err != nil {
		return fmt.Errorf("create guard: %w", err)
	}

	start := time.Now()

	var g errgroup.Group
	for w := 0; w < workerCount; w++ {
		g.Go(func() error {
			for i := 0; i < *iterations; i++ {
				guard.Lock()
				p := hp.Alloc(64)
				if p != nil {
					hp.Free(p)
				}
				guard.Unlock()
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Printf("%d workers x %d iterations in %s\n", workerCount, *iterations, time.Since(start))
	fmt.Println(hp.Stats())

	return nil
}
