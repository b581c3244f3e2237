// Command scenectl is a reference client. It connects to a scenebridge
// server, answers scene requests from an in-memory scene and sends one
// sentence. Objects passed with -scene seed the scene; a loaded object is
// then moved next to the reference the sentence names.
//
//	scenectl -provider local -params '{"root":"/srv/models"}' -scene room.json "place a tree on the table"
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/ggoodman/scenebridge/internal/envelope"
	"github.com/ggoodman/scenebridge/meshprovider"
	"github.com/ggoodman/scenebridge/mux"
	"github.com/ggoodman/scenebridge/orchestrator"
	"github.com/ggoodman/scenebridge/scene"
	"github.com/ggoodman/scenebridge/sentence"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:3333", "server address")
	provider := flag.String("provider", "dummy", "mesh provider id")
	params := flag.String("params", "{}", "mesh provider parameters as a JSON object")
	sceneFile := flag.String("scene", "", "JSON file of objects to seed the scene with")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall deadline")
	exchangeTimeout := flag.Duration("exchange-timeout", 0, "deadline for the sentence exchange itself; 0 leaves only -timeout")
	verbose := flag.Bool("v", false, "log frames and exchanges")
	flag.Parse()

	text := strings.Join(flag.Args(), " ")
	if text == "" {
		fmt.Fprintln(os.Stderr, "usage: scenectl [flags] <sentence>")
		os.Exit(2)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var p map[string]json.RawMessage
	if err := json.Unmarshal([]byte(*params), &p); err != nil {
		fmt.Fprintf(os.Stderr, "scenectl: -params: %v\n", err)
		os.Exit(2)
	}
	var seed []scene.ObjectSummary
	if *sceneFile != "" {
		b, err := os.ReadFile(*sceneFile)
		if err == nil {
			err = json.Unmarshal(b, &seed)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "scenectl: -scene: %v\n", err)
			os.Exit(2)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	s := scene.NewMemoryScene(seed...)
	st, err := run(ctx, log, *addr, s, *exchangeTimeout, orchestrator.Request{
		MeshProviderID:         meshprovider.ID(*provider),
		MeshProviderParameters: p,
		Sentence:               text,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "scenectl: %v\n", err)
		os.Exit(1)
	}
	objs, _ := s.ListObjects(ctx)
	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	_ = out.Encode(struct {
		Result envelope.Status       `json:"result"`
		Scene  []scene.ObjectSummary `json:"scene"`
	}{st, objs})
	if st.Status != envelope.StatusOK {
		os.Exit(1)
	}
}

// run sends req and answers the server's scene requests from s until the
// result arrives. exchangeTimeout bounds the sentence exchange; zero leaves
// ctx as the only deadline.
func run(ctx context.Context, log *slog.Logger, addr string, s *scene.MemoryScene, exchangeTimeout time.Duration, req orchestrator.Request) (envelope.Status, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return envelope.Status{}, err
	}

	before, _ := s.ListObjects(ctx)
	var router mux.Router
	scene.Register(&router, s)
	c := mux.NewConn(nc, mux.WithRouter(&router), mux.WithLogger(log), mux.WithExchangeTimeout(exchangeTimeout))
	defer c.Close()
	go func() { _ = c.Serve(ctx) }()

	raw, err := c.Call(ctx, req)
	if err != nil {
		return envelope.Status{}, err
	}
	var st envelope.Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return envelope.Status{}, fmt.Errorf("decode result: %w", err)
	}
	if st.Status == envelope.StatusOK {
		if err := arrange(ctx, s, len(before), req.Sentence); err != nil {
			log.WarnContext(ctx, "scenectl.arrange.fail", slog.String("err", err.Error()))
		}
	}
	return st, nil
}

// arrange moves the objects loaded after the first n next to the sentence's
// reference object.
func arrange(ctx context.Context, s *scene.MemoryScene, n int, text string) error {
	plan, err := sentence.RuleInterpreter{}.Interpret(ctx, text)
	if err != nil || !plan.HasReference() {
		return err
	}
	objs, err := s.ListObjects(ctx)
	if err != nil {
		return err
	}
	ref := orchestrator.FindObject(objs[:n], plan.Reference)
	if ref == nil {
		return fmt.Errorf("no object named %q", plan.Reference)
	}
	for _, obj := range objs[n:] {
		if err := s.Place(obj.Name, orchestrator.Place(plan.Relation, *ref, obj)); err != nil {
			return err
		}
	}
	return nil
}
