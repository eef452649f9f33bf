package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gholt/ringstore"
	"github.com/gholt/ringstore/gossip"
	"github.com/gholt/ringstore/ring"
	"github.com/jessevdk/go-flags"
	"github.com/spaolacci/murmur3"
)

type optsStruct struct {
	Endpoint    string `short:"e" long:"endpoint" description:"host:port this node listens on and announces. Default: 127.0.0.1:7000"`
	Cluster     string `short:"c" long:"cluster" description:"Cluster name; nodes with a different name refuse each other's gossip. Default: ringstore"`
	Seeds       string `long:"seeds" description:"Comma-separated host:port seed list."`
	Replication int    `short:"r" long:"replication" description:"Replication factor. Default: 3"`
	Generation  int    `short:"g" long:"generation" description:"Last persisted generation; advanced by one at boot. Default: 0"`
	Keyspace    string `short:"k" long:"keyspace" description:"Keyspace consulted for write endpoints. Default: system"`
	RunFor      int    `long:"run-for" description:"Seconds to gossip before exiting; 0 runs until interrupted."`
	Positional  struct {
		Commands []string `name:"commands" description:"join ring endpoints stats"`
	} `positional-args:"yes"`
	svc       *ringstore.Service
	transport *gossip.TCPTransport
}

var opts optsStruct
var parser = flags.NewParser(&opts, flags.Default)

// ringFeed folds gossiped token announcements into the ring: every node
// publishes its token under the gossip.TokenState application-state key, and
// whichever node hears it places the owner in its TokenMetadata.
type ringFeed struct {
	gossip.BaseSubscriber
	tokens *ring.TokenMetadata
}

func (f ringFeed) OnJoin(endpoint ring.Endpoint, state *gossip.EndpointState) {
	if t, ok := state.AppState[gossip.TokenState]; ok {
		f.tokens.UpdateNormalToken(parseToken(t.Value), endpoint)
	}
}

func (f ringFeed) OnChange(endpoint ring.Endpoint, key string, value gossip.ApplicationState) {
	if key == gossip.TokenState {
		f.tokens.UpdateNormalToken(parseToken(value.Value), endpoint)
	}
}

func tokenFor(endpoint string) ring.Token {
	h1, h2 := murmur3.Sum128([]byte(endpoint))
	b := make([]byte, 16)
	for i := 7; i >= 0; i-- {
		b[i] = byte(h1)
		h1 >>= 8
		b[8+i] = byte(h2)
		h2 >>= 8
	}
	return ring.TokenFromBytes(b)
}

func parseToken(hex string) ring.Token {
	b := make([]byte, 0, len(hex)/2)
	for i := 0; i+1 < len(hex); i += 2 {
		b = append(b, fromHex(hex[i])<<4|fromHex(hex[i+1]))
	}
	return ring.TokenFromBytes(b)
}

func fromHex(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	}
	return 0
}

func toHex(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 0, len(b)*2)
	for _, c := range b {
		out = append(out, digits[c>>4], digits[c&0xf])
	}
	return string(out)
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		args = append(args, "-h")
	}
	if _, err := parser.ParseArgs(args); err != nil {
		os.Exit(1)
	}
	for _, arg := range opts.Positional.Commands {
		switch arg {
		case "join":
		case "ring":
		case "endpoints":
		case "stats":
		default:
			fmt.Fprintf(os.Stderr, "Unknown command named %#v.\n", arg)
			os.Exit(1)
		}
	}
	if opts.Endpoint == "" {
		opts.Endpoint = "127.0.0.1:7000"
	}
	if opts.Cluster == "" {
		opts.Cluster = "ringstore"
	}
	if opts.Replication == 0 {
		opts.Replication = 3
	}
	if opts.Keyspace == "" {
		opts.Keyspace = "system"
	}
	var seeds []ring.Endpoint
	for _, s := range strings.Split(opts.Seeds, ",") {
		if s = strings.TrimSpace(s); s != "" {
			seeds = append(seeds, ring.Endpoint(s))
		}
	}

	opts.transport = gossip.NewTCPTransport(ring.Endpoint(opts.Endpoint), stderrLog("ERROR"), stderrLog("WARNING"))
	if err := opts.transport.Listen(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	begin := time.Now()
	opts.svc = ringstore.NewService(&ringstore.Config{
		LocalEndpoint:       ring.Endpoint(opts.Endpoint),
		ClusterName:         opts.Cluster,
		Seeds:               seeds,
		Transport:           opts.transport,
		ReplicationFactor:   opts.Replication,
		PersistedGeneration: int32(opts.Generation),
		Log:                 stderrLog("INFO"),
	})
	opts.svc.Gossiper.Subscribe(ringFeed{tokens: opts.svc.Tokens})
	token := tokenFor(opts.Endpoint)
	opts.svc.Tokens.UpdateNormalToken(token, ring.Endpoint(opts.Endpoint))
	if err := opts.svc.Start(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	opts.svc.Gossiper.LocalApplicationState(gossip.TokenState, toHex(token.Bytes()))
	fmt.Println(time.Now().Sub(begin), "to start service")

	for _, arg := range opts.Positional.Commands {
		switch arg {
		case "join":
			join()
		case "ring":
			fmt.Println(opts.svc.Tokens.String())
		case "endpoints":
			endpoints()
		case "stats":
			fmt.Println(opts.svc.Gossiper.Stats().String())
		}
	}

	begin = time.Now()
	opts.svc.Stop()
	opts.transport.Close()
	fmt.Println(time.Now().Sub(begin), "to stop service")
}

func stderrLog(level string) gossip.LogFunc {
	return func(format string, v ...interface{}) {
		fmt.Fprintf(os.Stderr, level+" "+format+"\n", v...)
	}
}

func join() {
	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt)
	defer signal.Stop(interrupted)
	var timeout <-chan time.Time
	if opts.RunFor > 0 {
		timeout = time.After(time.Duration(opts.RunFor) * time.Second)
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-interrupted:
			return
		case <-timeout:
			return
		case <-ticker.C:
			fmt.Println(len(opts.svc.Gossiper.LiveEndpoints()), "live endpoints")
		}
	}
}

func endpoints() {
	token := tokenFor(opts.Endpoint)
	natural := opts.svc.NaturalEndpoints(token)
	write := opts.svc.WriteEndpoints(token, opts.Keyspace)
	fmt.Println("natural:", natural)
	fmt.Println("write:  ", write)
}
