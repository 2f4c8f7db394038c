package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const usage = `usage: gatewayctl [-addr host:port] [-token T] <command> [flags]

commands:
  health | peers | nodes | fronts | topics | clients
  register-front   -group G -node HEX -url URL
  unregister-front -group G -node HEX
  send             -group G -src HEX -dst HEX -payload TEXT
  broadcast        -group G -src HEX -payload TEXT
  register-client  -url URL [-id ID]
  remove-client    -id ID
  subscribe        -id ID -topics a,b
  unsubscribe      -id ID -topic T
  topic-send       -topic T -data TEXT
  topic-broadcast  -topic T -data TEXT
`

var errUsage = errors.New("invalid usage")

// adminClient calls the gateway operator API.
type adminClient struct {
	base  string
	token string
	http  *http.Client
}

type request struct {
	method string
	path   string
	body   any
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		fmt.Fprintf(os.Stderr, "gatewayctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	global := flag.NewFlagSet("gatewayctl", flag.ContinueOnError)
	global.SetOutput(io.Discard)
	addr := global.String("addr", envOr("EDGEGATE_ADMIN_ADDR", "127.0.0.1:8545"), "admin API address")
	token := global.String("token", os.Getenv("EDGEGATE_ADMIN_TOKEN"), "admin bearer token")
	timeout := global.Duration("timeout", 15*time.Second, "request timeout")
	if err := global.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if global.NArg() == 0 {
		return fmt.Errorf("%w: command required", errUsage)
	}

	req, err := buildRequest(global.Arg(0), global.Args()[1:])
	if err != nil {
		return err
	}
	c := adminClient{
		base:  baseURL(*addr),
		token: strings.TrimSpace(*token),
		http:  &http.Client{Timeout: *timeout},
	}
	status, body, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	writePretty(out, body)
	if status >= 400 {
		return fmt.Errorf("%s %s: status %d", req.method, req.path, status)
	}
	return nil
}

func buildRequest(cmd string, args []string) (request, error) {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	group := fs.String("group", "", "group id")
	node := fs.String("node", "", "node id (hex)")
	src := fs.String("src", "", "source node id (hex)")
	dst := fs.String("dst", "", "destination node id (hex)")
	payload := fs.String("payload", "", "payload text")
	hook := fs.String("url", "", "webhook url")
	id := fs.String("id", "", "client id")
	topics := fs.String("topics", "", "comma-separated topics")
	topic := fs.String("topic", "", "topic")
	data := fs.String("data", "", "topic message text")
	if err := fs.Parse(args); err != nil {
		return request{}, fmt.Errorf("%w: %v", errUsage, err)
	}

	need := func(pairs ...string) error {
		for i := 0; i+1 < len(pairs); i += 2 {
			if strings.TrimSpace(pairs[i+1]) == "" {
				return fmt.Errorf("%w: %s requires -%s", errUsage, cmd, pairs[i])
			}
		}
		return nil
	}
	seg := url.PathEscape

	switch cmd {
	case "health":
		return request{method: http.MethodGet, path: "/health"}, nil
	case "peers", "nodes", "fronts":
		return request{method: http.MethodGet, path: "/v1/" + cmd}, nil
	case "topics", "clients":
		return request{method: http.MethodGet, path: "/v1/amop/" + cmd}, nil
	case "register-front":
		if err := need("group", *group, "node", *node, "url", *hook); err != nil {
			return request{}, err
		}
		return request{
			method: http.MethodPost,
			path:   "/v1/groups/" + seg(*group) + "/fronts",
			body:   map[string]string{"nodeID": *node, "webhookURL": *hook},
		}, nil
	case "unregister-front":
		if err := need("group", *group, "node", *node); err != nil {
			return request{}, err
		}
		return request{method: http.MethodDelete, path: "/v1/groups/" + seg(*group) + "/fronts/" + seg(*node)}, nil
	case "send":
		if err := need("group", *group, "src", *src, "dst", *dst); err != nil {
			return request{}, err
		}
		return request{
			method: http.MethodPost,
			path:   "/v1/groups/" + seg(*group) + "/send",
			body:   map[string]any{"src": *src, "dst": *dst, "payload": []byte(*payload)},
		}, nil
	case "broadcast":
		if err := need("group", *group, "src", *src); err != nil {
			return request{}, err
		}
		return request{
			method: http.MethodPost,
			path:   "/v1/groups/" + seg(*group) + "/broadcast",
			body:   map[string]any{"src": *src, "payload": []byte(*payload)},
		}, nil
	case "register-client":
		if err := need("url", *hook); err != nil {
			return request{}, err
		}
		return request{
			method: http.MethodPost,
			path:   "/v1/amop/clients",
			body:   map[string]string{"clientID": *id, "webhookURL": *hook},
		}, nil
	case "remove-client":
		if err := need("id", *id); err != nil {
			return request{}, err
		}
		return request{method: http.MethodDelete, path: "/v1/amop/clients/" + seg(*id)}, nil
	case "subscribe":
		if err := need("id", *id, "topics", *topics); err != nil {
			return request{}, err
		}
		return request{
			method: http.MethodPost,
			path:   "/v1/amop/clients/" + seg(*id) + "/topics",
			body:   map[string][]string{"topics": splitList(*topics)},
		}, nil
	case "unsubscribe":
		if err := need("id", *id, "topic", *topic); err != nil {
			return request{}, err
		}
		return request{method: http.MethodDelete, path: "/v1/amop/clients/" + seg(*id) + "/topics/" + seg(*topic)}, nil
	case "topic-send", "topic-broadcast":
		if err := need("topic", *topic); err != nil {
			return request{}, err
		}
		action := strings.TrimPrefix(cmd, "topic-")
		return request{
			method: http.MethodPost,
			path:   "/v1/amop/topics/" + seg(*topic) + "/" + action,
			body:   map[string]any{"data": []byte(*data)},
		}, nil
	default:
		return request{}, fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func (c adminClient) do(ctx context.Context, r request) (int, []byte, error) {
	var body io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, c.base+r.path, body)
	if err != nil {
		return 0, nil, err
	}
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, out, nil
}

func writePretty(w io.Writer, body []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		w.Write(body)
		fmt.Fprintln(w)
		return
	}
	buf.WriteByte('\n')
	w.Write(buf.Bytes())
}

func baseURL(addr string) string {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
