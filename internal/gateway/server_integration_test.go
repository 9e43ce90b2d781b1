package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/decisiontrace/internal/config"
	"github.com/basket/decisiontrace/internal/gateway"
	"github.com/basket/decisiontrace/pkg/persistence"
	"github.com/basket/decisiontrace/pkg/xray"
)

func TestGateway_RealTCPServerOverSQLite(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "xray.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	rec := xray.New(store)
	runErr := rec.Run(context.Background(), "competitor_selection", xray.Document{"product": "phone case"},
		func(ctx context.Context, tr *xray.TraceHandle) error {
			if err := tr.Step(ctx, "keywords", func(_ context.Context, s *xray.StepHandle) error {
				s.SetInput(xray.Document{"title": "phone case"})
				s.AddLLMMetadata("gpt-4o-mini", xray.TokensUsed(120))
				return nil
			}); err != nil {
				return err
			}
			return tr.Step(ctx, "rank", func(context.Context, *xray.StepHandle) error {
				return errors.New("no candidates left")
			})
		})
	if runErr == nil {
		t.Fatal("expected the failing step error to surface")
	}

	srv := gateway.New(gateway.Config{
		Storage: store,
		Logger:  quietLogger(),
		Auth:    config.AuthConfig{Enabled: true, Keys: []config.APIKeyEntry{{Name: "test", Key: "secret"}}},
	})
	httpSrv := &http.Server{Handler: srv.Handler()}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = httpSrv.Serve(ln) }()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(ctx)
	}()
	base := "http://" + ln.Addr().String()

	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: expected 200 without key, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/traces?status=failed", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer resp.Body.Close()
	var traces []xray.Trace
	if err := json.NewDecoder(resp.Body).Decode(&traces); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(traces) != 1 {
		t.Fatalf("expected one failed trace, got %d", len(traces))
	}
	tr := traces[0]
	if len(tr.Steps) != 2 || tr.Steps[1].Status != xray.StatusFailed || tr.Steps[1].Error == nil {
		t.Fatalf("unexpected steps: %+v", tr.Steps)
	}
	if *tr.Steps[1].Error != "no candidates left" {
		t.Fatalf("error message not kept: %q", *tr.Steps[1].Error)
	}
	llm, ok := tr.Steps[0].Metadata[xray.MetaLLM].(map[string]any)
	if !ok || llm["model"] != "gpt-4o-mini" {
		t.Fatalf("llm metadata lost: %#v", tr.Steps[0].Metadata)
	}
}
