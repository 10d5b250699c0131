package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ratecontrol/native/pid"
	"ratecontrol/native/ratecontrol"
	"ratecontrol/services/ratesd/config"
)

const maxResponseBytes = 1 << 20

// Registry constructs controller sources based on configuration.
type Registry struct {
	HTTPClient *http.Client
}

// NewRegistry builds a registry with sane defaults.
func NewRegistry() *Registry {
	return &Registry{HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

// Build creates a source from the supplied configuration.
func (r *Registry) Build(src config.Source) (ratecontrol.Source, error) {
	switch strings.ToLower(strings.TrimSpace(src.Type)) {
	case "http":
		return newHTTPSource(r.client(src.Timeout.Duration), src.Endpoint, src.Headers), nil
	case "static":
		return newStaticSource(src.Input, src.Error)
	case "utilization":
		target, err := pid.ParseFixed(src.Target)
		if err != nil {
			return nil, fmt.Errorf("source %s target: %w", src.Name, err)
		}
		return newUtilizationSource(r.client(src.Timeout.Duration), src.Endpoint, src.Headers, target), nil
	default:
		return nil, fmt.Errorf("unknown source type %q", src.Type)
	}
}

// BuildRouter builds every configured source and routes entities to them.
func (r *Registry) BuildRouter(sources []config.Source) (*Router, error) {
	router := NewRouter()
	for _, src := range sources {
		built, err := r.Build(src)
		if err != nil {
			return nil, fmt.Errorf("build source %s: %w", src.Name, err)
		}
		if len(src.Entities) == 0 {
			router.SetFallback(built)
			continue
		}
		for _, raw := range src.Entities {
			if !common.IsHexAddress(strings.TrimSpace(raw)) {
				return nil, fmt.Errorf("source %s: invalid entity %q", src.Name, raw)
			}
			router.Route(common.HexToAddress(strings.TrimSpace(raw)), built)
		}
	}
	return router, nil
}

func (r *Registry) client(timeout time.Duration) *http.Client {
	base := r.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 10 * time.Second}
	}
	if timeout <= 0 || timeout == base.Timeout {
		return base
	}
	clone := *base
	clone.Timeout = timeout
	return &clone
}

// samplePayload is the wire shape served by http sources. Fixed-point values
// are decimal strings.
type samplePayload struct {
	Input     string `json:"input"`
	Error     string `json:"error"`
	Timestamp uint32 `json:"timestamp"`
	Halt      bool   `json:"halt"`
}

type httpSource struct {
	client   *http.Client
	endpoint string
	headers  map[string]string
}

func newHTTPSource(client *http.Client, endpoint string, headers map[string]string) *httpSource {
	return &httpSource{client: client, endpoint: strings.TrimSpace(endpoint), headers: headers}
}

func (s *httpSource) Fetch(ctx context.Context, entity common.Address) (ratecontrol.Sample, error) {
	var payload samplePayload
	if err := getJSON(ctx, s.client, s.endpoint, s.headers, entity, &payload); err != nil {
		return ratecontrol.Sample{}, err
	}
	input, err := pid.ParseFixed(payload.Input)
	if err != nil {
		return ratecontrol.Sample{}, fmt.Errorf("input: %w", err)
	}
	errTerm, err := pid.ParseFixed(payload.Error)
	if err != nil {
		return ratecontrol.Sample{}, fmt.Errorf("error: %w", err)
	}
	return ratecontrol.Sample{Input: input, Error: errTerm, Timestamp: payload.Timestamp, Halt: payload.Halt}, nil
}

type staticSource struct {
	input *big.Int
	err   *big.Int
}

func newStaticSource(input, errTerm string) (*staticSource, error) {
	in, err := pid.ParseFixed(input)
	if err != nil {
		return nil, fmt.Errorf("static input: %w", err)
	}
	e, err := pid.ParseFixed(errTerm)
	if err != nil {
		return nil, fmt.Errorf("static error: %w", err)
	}
	return &staticSource{input: in, err: e}, nil
}

func (s *staticSource) Fetch(context.Context, common.Address) (ratecontrol.Sample, error) {
	return ratecontrol.Sample{Input: new(big.Int).Set(s.input), Error: new(big.Int).Set(s.err)}, nil
}

// marketPayload is a lending market snapshot in base units.
type marketPayload struct {
	Borrowed  string `json:"borrowed"`
	Supplied  string `json:"supplied"`
	Timestamp uint32 `json:"timestamp"`
	Halt      bool   `json:"halt"`
}

// utilizationSource turns a market snapshot into utilisation and its distance
// from a target utilisation.
type utilizationSource struct {
	client   *http.Client
	endpoint string
	headers  map[string]string
	target   *big.Int
}

func newUtilizationSource(client *http.Client, endpoint string, headers map[string]string, target *big.Int) *utilizationSource {
	return &utilizationSource{client: client, endpoint: strings.TrimSpace(endpoint), headers: headers, target: target}
}

func (s *utilizationSource) Fetch(ctx context.Context, entity common.Address) (ratecontrol.Sample, error) {
	var payload marketPayload
	if err := getJSON(ctx, s.client, s.endpoint, s.headers, entity, &payload); err != nil {
		return ratecontrol.Sample{}, err
	}
	borrowed, ok := new(big.Int).SetString(strings.TrimSpace(payload.Borrowed), 10)
	if !ok || borrowed.Sign() < 0 {
		return ratecontrol.Sample{}, fmt.Errorf("invalid borrowed amount %q", payload.Borrowed)
	}
	supplied, ok := new(big.Int).SetString(strings.TrimSpace(payload.Supplied), 10)
	if !ok || supplied.Sign() < 0 {
		return ratecontrol.Sample{}, fmt.Errorf("invalid supplied amount %q", payload.Supplied)
	}
	input := Utilization(borrowed, supplied)
	return ratecontrol.Sample{
		Input:     input,
		Error:     new(big.Int).Sub(s.target, input),
		Timestamp: payload.Timestamp,
		Halt:      payload.Halt,
	}, nil
}

// Utilization returns borrowed/supplied in 1e18 fixed point, capped at 1.
// An empty market has zero utilisation.
func Utilization(borrowed, supplied *big.Int) *big.Int {
	if supplied == nil || supplied.Sign() == 0 || borrowed == nil || borrowed.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(borrowed, pid.One)
	out.Quo(out, supplied)
	if out.Cmp(pid.One) > 0 {
		out.Set(pid.One)
	}
	return out
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, entity common.Address, out interface{}) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("entity", strings.ToLower(entity.Hex()))
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("source returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode sample: %w", err)
	}
	return nil
}
