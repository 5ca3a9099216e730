// Command daoengine-demo wires one engine host: a WAL journal, the
// LoadBalancing and MetaData adapters, a TCP transport, and the event core,
// then optionally fires a single demo operation so the wiring can be
// exercised from the command line.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"daoengine/adapter"
	"daoengine/adapter/loadbalancing"
	"daoengine/adapter/metadata"
	"daoengine/daocfg"
	"daoengine/dtype"
	"daoengine/engine"
	"daoengine/journal"
	"daoengine/transport"
)

var (
	addr      string
	dataDir   string
	debug     bool
	peers     string
	owners    string
	op        string
	opTo      string
	opSubtree uint64
	opDelay   time.Duration
)

func usage() {
	flag.PrintDefaults()
}

func init() {
	flag.StringVar(&addr, "addr", "127.0.0.1:6001", "listen address for this node")
	flag.StringVar(&dataDir, "data", "./data", "journal base directory for this node")
	flag.BoolVar(&debug, "debug", false, "log debug/warning traces")
	flag.StringVar(&peers, "peers", "", "comma-separated host:port list of every node in the cluster, including this one")
	flag.StringVar(&owners, "owners", "", "comma-separated subtree_entry=server seed for the LoadBalancing demo adapter's ownership table")
	flag.StringVar(&op, "op", "", "demo operation to start once the engine is running: move, rename, ooe")
	flag.StringVar(&opTo, "op-to", "", "destination address for -op move, and the single participant for -op rename (ignored for ooe)")
	flag.Uint64Var(&opSubtree, "op-subtree", 1, "subtree entry the demo operation targets")
	flag.DurationVar(&opDelay, "op-delay", 2*time.Second, "how long to wait after startup before firing -op, to let peers come up")
	flag.Usage = usage
}

func main() {
	flag.Parse()

	daocfg.ShowDebugInfo = debug
	daocfg.ShowWarnings = debug
	daocfg.ShowTestInfo = debug

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Fatalf("daoengine-demo: creating data dir: %v", err)
	}

	ownerSeed := parseOwners(owners)
	routeSeed := routesFromPeers(peers, opSubtree)

	journals := journal.NewWALJournal(dataDir)
	registry := adapter.NewRegistry()
	tr, err := transport.Listen(addr)
	if err != nil {
		log.Fatalf("daoengine-demo: listen on %s: %v", addr, err)
	}

	eng := engine.New(addr, journals, registry, tr, daocfg.DefaultOptions())

	lbAdapter := loadbalancing.New(addr, ownerSeed, routeSeed)
	if err := registry.Register(dtype.LoadBalancing, lbAdapter, eng); err != nil {
		log.Fatalf("daoengine-demo: registering LoadBalancing adapter: %v", err)
	}
	mdAdapter := metadata.New(addr)
	if err := registry.Register(dtype.MetaData, mdAdapter, eng); err != nil {
		log.Fatalf("daoengine-demo: registering MetaData adapter: %v", err)
	}

	go eng.Run()
	go tr.Serve(eng.HandleRequest)

	if op != "" {
		go fireDemoOperation(eng)
	}

	daocfg.DPrintf("daoengine-demo: node %s listening, data dir %s", addr, dataDir)
	select {}
}

// parseOwners turns "1=127.0.0.1:6001,2=127.0.0.1:6002" into the
// LoadBalancing adapter's seed ownership table.
func parseOwners(spec string) map[uint64]string {
	out := make(map[uint64]string)
	for _, kv := range splitNonEmpty(spec, ",") {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		var subtreeEntry uint64
		if _, err := fmt.Sscanf(parts[0], "%d", &subtreeEntry); err != nil {
			continue
		}
		out[subtreeEntry] = parts[1]
	}
	return out
}

// routesFromPeers seeds the OOE demo route for opSubtree as the full peer
// list in the order given, so -op ooe walks every node in the cluster once.
func routesFromPeers(spec string, subtreeEntry uint64) map[uint64][]loadbalancing.Hop {
	hosts := splitNonEmpty(spec, ",")
	if len(hosts) == 0 {
		return nil
	}
	hops := make([]loadbalancing.Hop, len(hosts))
	for i, h := range hosts {
		hops[i] = loadbalancing.Hop{Server: h, SubtreeEntry: subtreeEntry}
	}
	return map[uint64][]loadbalancing.Hop{subtreeEntry: hops}
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// fireDemoOperation sleeps for -op-delay to give recovery and peers time
// to settle, then starts the operation named by -op so the wiring can be
// driven without a separate client process.
func fireDemoOperation(eng *engine.Engine) {
	time.Sleep(opDelay)

	switch op {
	case "move":
		if opTo == "" {
			log.Fatal("daoengine-demo: -op move requires -op-to")
		}
		payload, _ := json.Marshal(loadbalancing.MoveRequest{SubtreeEntry: opSubtree, To: opTo})
		id, err := eng.StartDAOperation(payload, dtype.MoveSubtree, []dtype.Subtree{{Server: opTo, SubtreeEntry: opSubtree}}, opSubtree)
		logStart("move", id, err)
	case "rename":
		if opTo == "" {
			log.Fatal("daoengine-demo: -op rename requires -op-to")
		}
		participants := []dtype.Subtree{{Server: opTo, SubtreeEntry: opSubtree}}
		payload, _ := json.Marshal(metadata.Mutation{
			SubtreeEntry: opSubtree, NewName: "renamed-by-demo",
			Coordinator: addr, Participants: participants,
		})
		id, err := eng.StartDAOperation(payload, dtype.Rename, participants, opSubtree)
		logStart("rename", id, err)
	case "ooe":
		hosts := splitNonEmpty(peers, ",")
		var remaining []loadbalancing.Hop
		for _, h := range hosts {
			if h == addr {
				continue
			}
			remaining = append(remaining, loadbalancing.Hop{Server: h, SubtreeEntry: opSubtree})
		}
		payload, _ := json.Marshal(loadbalancing.ChainPayload{Remaining: remaining})
		id, err := eng.StartDAOperation(payload, dtype.OOETest, nil, opSubtree)
		logStart("ooe", id, err)
	default:
		log.Fatalf("daoengine-demo: unknown -op %q", op)
	}
}

func logStart(kind string, id uint64, err error) {
	if err != nil {
		log.Printf("daoengine-demo: starting %s operation failed: %v", kind, err)
		return
	}
	log.Printf("daoengine-demo: started %s operation %d", kind, id)
}
