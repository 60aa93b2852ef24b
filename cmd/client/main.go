package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/gorilla/websocket"

	"github.com/astromechza/prioritylist/pkg/prioritylist"
	"github.com/astromechza/prioritylist/pkg/server"
)

const usage = `Priority list client.

Usage:
    client lists [--server=<url>]
    client edit <list> [--server=<url>] [--post-delay=<ms>]
    client watch <list> [--server=<url>]

Options:
    -h --help             Show this screen.
    --server=<url>        The priority server [default: http://127.0.0.1:8080].
    --post-delay=<ms>     Override the debounce window the server hands out.

Edit commands, one per line:
    up <id>, down <id>, increment <id>, decrement <id>, show, flush, quit`

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "")
	if err != nil {
		return err
	}
	rawServer, _ := opts.String("--server")
	baseUrl, err := url.Parse(rawServer)
	if err != nil {
		return fmt.Errorf("failed to parse server url: %w", err)
	}
	c := &client{baseUrl: baseUrl, http: &http.Client{}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-exit:
			slog.Info("Signal caught", "sig", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	listID, _ := opts.String("<list>")
	if ok, _ := opts.Bool("lists"); ok {
		return c.printLists(ctx)
	} else if ok, _ := opts.Bool("watch"); ok {
		return c.watch(ctx, listID)
	}
	postDelay, _ := opts.String("--post-delay")
	return c.edit(ctx, listID, postDelay)
}

type client struct {
	baseUrl *url.URL
	http    *http.Client
}

func (c *client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseUrl.JoinPath(path).String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode: %w", err)
	}
	return nil
}

// token fetches a fresh csrf token for every submission, so rotation on the server is
// picked up without restarting.
func (c *client) token(ctx context.Context) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.getJSON(ctx, "csrf", &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func (c *client) printLists(ctx context.Context) error {
	var out struct {
		Lists []string `json:"lists"`
	}
	if err := c.getJSON(ctx, "lists", &out); err != nil {
		return err
	}
	for _, id := range out.Lists {
		fmt.Println(id)
	}
	return nil
}

func (c *client) watch(ctx context.Context, listID string) error {
	u := c.baseUrl.JoinPath("lists", listID, "watch")
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	for {
		var page server.Page
		if err := conn.ReadJSON(&page); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		}
		printRows(page.Rows)
	}
}

func (c *client) edit(ctx context.Context, listID, postDelay string) error {
	var page server.Page
	if err := c.getJSON(ctx, "lists/"+url.PathEscape(listID), &page); err != nil {
		return err
	}
	postUrl, err := c.baseUrl.Parse(page.PostURL)
	if err != nil {
		return fmt.Errorf("failed to resolve post url: %w", err)
	}
	if postDelay == "" {
		postDelay = strconv.FormatInt(page.PostDelay, 10)
	}
	cfg, err := prioritylist.ConfigFromAttributes(map[string]string{"post-url": postUrl.String(), "post-delay": postDelay})
	if err != nil {
		return err
	}
	transport, err := prioritylist.NewHTTPTransport(cfg.PostURL, c.token, nil)
	if err != nil {
		return err
	}
	l, err := prioritylist.New(cfg, page.Rows, transport, &terminalView{}, prioritylist.WithLogger(slog.Default()))
	if err != nil {
		return err
	}
	defer l.Close()
	slog.Info("mounted list", "list", page.ID, "direction", l.Direction(), "post-delay", cfg.PostDelay)

	// the reader is left blocked on stdin at exit
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				l.Flush()
				return nil
			}
			if quit := runCommand(l, line); quit {
				l.Flush()
				return nil
			}
		case <-ctx.Done():
			l.Flush()
			return nil
		}
	}
}

func runCommand(l *prioritylist.List, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "quit", "exit":
		return true
	case "show":
		printRows(l.Rows())
		fmt.Printf("state=%s\n", l.State())
	case "flush":
		l.Flush()
	case "up", "down", "increment", "decrement":
		if len(fields) != 2 {
			fmt.Printf("usage: %s <id>\n", fields[0])
			return false
		}
		var err error
		id := prioritylist.ID(fields[1])
		switch fields[0] {
		case "up":
			err = l.MoveUp(id)
		case "down":
			err = l.MoveDown(id)
		default:
			err = l.Dispatch(prioritylist.Action(fields[0]), id)
		}
		if errors.Is(err, prioritylist.ErrBoundary) {
			fmt.Println("already at the edge")
		} else if err != nil {
			fmt.Println(err)
		}
	default:
		fmt.Printf("unknown command %q\n", fields[0])
	}
	return false
}

// terminalView prints the list each time it changes. A submission in flight is shown by
// the syncing marker; controls are drawn as ^ and v.
type terminalView struct {
	mu     sync.Mutex
	frozen bool
}

func (v *terminalView) Render(rows []prioritylist.Row) {
	v.mu.Lock()
	defer v.mu.Unlock()
	printRows(rows)
}

func (v *terminalView) Freeze() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.frozen = true
	fmt.Println("syncing...")
}

func (v *terminalView) Unfreeze() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.frozen {
		fmt.Println("synced")
	}
	v.frozen = false
}

func printRows(rows []prioritylist.Row) {
	for i, r := range rows {
		up, down := prioritylist.Controls(i, len(rows))
		marks := [2]string{" ", " "}
		if up {
			marks[0] = "^"
		}
		if down {
			marks[1] = "v"
		}
		fmt.Printf("%s%s %-8s %d\n", marks[0], marks[1], r.ID, r.Priority)
	}
}
