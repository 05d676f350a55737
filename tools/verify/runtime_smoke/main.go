// Command runtime_smoke exercises a live chatopsd gateway end to end:
// health, intent listing, an L0 dispatch, and the audit trail for the
// run it produced. Exit status 0 means the deployment passed.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	baseURL := flag.String("url", "http://127.0.0.1:18790", "gateway base URL")
	apiKey := flag.String("key", "", "API key")
	tenant := flag.String("tenant", "", "tenant id (defaults to the server's default tenant)")
	timeout := flag.Duration("timeout", 15*time.Second, "overall timeout")
	flag.Parse()

	if strings.TrimSpace(*apiKey) == "" {
		fmt.Fprintln(os.Stderr, "key is required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	c := &client{base: strings.TrimRight(*baseURL, "/"), key: strings.TrimSpace(*apiKey)}

	health, status, err := c.get(ctx, "/healthz")
	if err != nil {
		fatal("healthz", err)
	}
	if status != http.StatusOK || health["healthy"] != true {
		fatalf("healthz unhealthy: status=%d body=%v", status, health)
	}
	fmt.Println("CHECK healthz ok")

	intents, status, err := c.get(ctx, "/v1/intents")
	if err != nil {
		fatal("list intents", err)
	}
	list, _ := intents["intents"].([]any)
	if status != http.StatusOK || len(list) == 0 {
		fatalf("intent listing failed: status=%d", status)
	}
	fmt.Printf("CHECK intents loaded count=%d\n", len(list))

	body := map[string]any{
		"intent_key": "attendance.query.unchecked",
		"params":     map[string]any{},
	}
	if *tenant != "" {
		body["tenant_id"] = *tenant
	}
	res, status, err := c.post(ctx, "/v1/dispatch", body)
	if err != nil {
		fatal("dispatch", err)
	}
	if status != http.StatusOK {
		fatalf("dispatch failed: status=%d body=%v", status, res)
	}
	runID, _ := res["run_id"].(string)
	if strings.TrimSpace(runID) == "" {
		fatalf("dispatch returned no run_id: %v", res)
	}
	fmt.Printf("CHECK dispatch ok run_id=%s\n", runID)

	path := "/v1/audit/runs/" + runID
	if *tenant != "" {
		path += "?tenant_id=" + *tenant
	}
	run, status, err := c.get(ctx, path)
	if err != nil {
		fatal("get run", err)
	}
	if status != http.StatusOK || run["status"] != "succeeded" {
		fatalf("audit run not recorded: status=%d body=%v", status, run)
	}
	fmt.Println("CHECK audit run recorded")

	fmt.Println("VERDICT PASS")
}

type client struct {
	base string
	key  string
}

func (c *client) get(ctx context.Context, path string) (map[string]any, int, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *client) post(ctx context.Context, path string, body any) (map[string]any, int, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *client) do(ctx context.Context, method, path string, body any) (map[string]any, int, error) {
	var buf *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		buf = bytes.NewReader(raw)
	} else {
		buf = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, buf)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return decoded, resp.StatusCode, nil
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
