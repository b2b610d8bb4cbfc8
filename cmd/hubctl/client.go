package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const (
	envAdminAddr  = "HUB_ADMIN"
	envAdminToken = "HUB_ADMIN_TOKEN"

	defaultAdminAddr = "127.0.0.1:7879"
	requestTimeout   = 10 * time.Second
)

// adminFlags are shared by every admin API command.
type adminFlags struct {
	addr   string
	token  string
	output string
}

func (f *adminFlags) register(flagSet *pflag.FlagSet) {
	addr := os.Getenv(envAdminAddr)
	if addr == "" {
		addr = defaultAdminAddr
	}
	flagSet.StringVar(&f.addr, "admin", addr, "admin API address or URL (env "+envAdminAddr+")")
	flagSet.StringVar(&f.token, "token", os.Getenv(envAdminToken), "admin bearer token (env "+envAdminToken+")")
	flagSet.StringVarP(&f.output, "output", "o", string(formatTable), "output format: table, json, or yaml")
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("admin API returned %d", e.Status)
	}
	return fmt.Sprintf("admin API returned %d: %s", e.Status, e.Message)
}

type adminClient struct {
	base  string
	token string
	http  *http.Client
}

func newAdminClient(addr, token string) *adminClient {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &adminClient{
		base:  base,
		token: strings.TrimSpace(token),
		http:  &http.Client{Timeout: requestTimeout},
	}
}

func (c *adminClient) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *adminClient) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *adminClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var failure struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&failure)
		return &apiError{Status: resp.StatusCode, Message: failure.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
