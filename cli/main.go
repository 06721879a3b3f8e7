package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"vmsim"
)

const usage = `commands:
  a <vpn> [w]    allocate a page, writable with w
  f <vpn>        free a page
  r <vpn>        read access
  w <vpn>        write access
  s <pid>        switch to pid, forking it if unknown
  p              print current page table and frame counts
  save <name>    save machine state to the snapshot store
  load <name>    restore machine state from the snapshot store
  q              quit
`

func main() {
	frames := flag.Int("frames", vmsim.DefaultTotalFrames, "number of physical page frames")
	entries := flag.Int("entries", vmsim.DefaultEntriesPerDirectory, "page table entries per directory")
	store := flag.String("store", "vmsim.db", "snapshot store path")
	lz := flag.Bool("lz4", false, "compress snapshots with lz4 instead of snappy")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	compression := vmsim.CompSnappy
	if *lz {
		compression = vmsim.CompLz4
	}
	m, err := vmsim.New(&vmsim.Options{
		TotalFrames:         *frames,
		EntriesPerDirectory: *entries,
		Compression:         compression,
	})
	if err != nil {
		log.Fatal(err)
	}

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Printf(">> ")
	for scanner.Scan() {
		args := strings.Fields(scanner.Text())
		if len(args) == 0 {
			fmt.Printf(">> ")
			continue
		}
		if run(m, *store, args) {
			return
		}
		fmt.Printf(">> ")
	}
}

// run executes one command line. It returns true on quit.
func run(m *vmsim.Machine, store string, args []string) bool {
	switch args[0] {
	case "a":
		vpn, ok := number(args, 1)
		if !ok {
			break
		}
		rw := vmsim.RWRead
		if len(args) > 2 && args[2] == "w" {
			rw = vmsim.Set(rw, vmsim.RWWrite)
		}
		pfn, err := m.Allocate(vpn, rw)
		if err != nil {
			fmt.Println("error:", err)
			break
		}
		fmt.Printf("allocated vpn %d -> pfn %d\n", vpn, pfn)
	case "f":
		vpn, ok := number(args, 1)
		if !ok {
			break
		}
		if err := m.Deallocate(vpn); err != nil {
			fmt.Println("error:", err)
		}
	case "r", "w":
		vpn, ok := number(args, 1)
		if !ok {
			break
		}
		rw := vmsim.RWRead
		if args[0] == "w" {
			rw = vmsim.Set(rw, vmsim.RWWrite)
		}
		pfn, err := m.Access(vpn, rw)
		if err != nil {
			fmt.Println("error:", err)
			break
		}
		fmt.Printf("%s vpn %d -> pfn %d\n", args[0], vpn, pfn)
	case "s":
		pid, ok := number(args, 1)
		if !ok {
			break
		}
		m.Activate(pid)
		fmt.Printf("current pid %d\n", m.Current())
	case "p":
		m.Dump(os.Stdout)
	case "save", "load":
		if len(args) < 2 {
			fmt.Printf("%s\n", usage)
			break
		}
		var err error
		if args[0] == "save" {
			err = m.Save(store, args[1])
		} else {
			err = m.Restore(store, args[1])
		}
		if err != nil {
			fmt.Println("error:", err)
		}
	case "q", "quit", "exit":
		return true
	default:
		fmt.Printf("%s\n", usage)
	}
	return false
}

func number(args []string, i int) (uint32, bool) {
	if len(args) <= i {
		fmt.Printf("%s\n", usage)
		return 0, false
	}
	n, err := strconv.ParseUint(args[i], 10, 32)
	if err != nil {
		fmt.Println("error:", err)
		return 0, false
	}
	return uint32(n), true
}
