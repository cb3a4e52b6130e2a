package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aridsondez/leaseq/pkg/client"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func baseURL() string {
	if u := os.Getenv("LEASEQ_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

func main() {
	ctx := context.Background()
	c := client.NewClient(baseURL())

	printHeader()
	if !checkServer() {
		fmt.Printf("%s✗ Server not running at %s%s\n", colorRed, baseURL(), colorReset)
		os.Exit(1)
	}
	fmt.Printf("%s✓ Server is running%s\n\n", colorGreen, colorReset)

	scenarios := []struct {
		title string
		run   func(context.Context, *client.Client) error
	}{
		{"Scenario 1: Enqueue → Receive → Ack", basicFlow},
		{"Scenario 2: Lease expiry and stale receipts", leaseExpiry},
		{"Scenario 3: Release and extend", releaseAndExtend},
		{"Scenario 4: Long-poll receive", longPoll},
	}
	for _, s := range scenarios {
		printScenario(s.title)
		if err := s.run(ctx, c); err != nil {
			fail("%v", err)
			os.Exit(1)
		}
		fmt.Println()
	}

	displayMetrics()
	printFooter()
}

func basicFlow(ctx context.Context, c *client.Client) error {
	if _, err := c.Purge(ctx, "demo-orders"); err != nil {
		return err
	}
	step("Enqueuing message to 'demo-orders'...")
	id, err := c.Enqueue(ctx, "demo-orders", map[string]any{"order_id": "ORD-12345", "total": 99.99}, nil)
	if err != nil {
		return err
	}
	ok("Enqueued message ID: %d", id)

	step("Receiving with a 30s lease...")
	msgs, err := c.Receive(ctx, "demo-orders", client.ReceiveOptions{Max: 1, Visibility: 30 * time.Second})
	if err != nil {
		return err
	}
	if len(msgs) != 1 {
		return fmt.Errorf("expected 1 message, got %d", len(msgs))
	}
	ok("Received %d (attempt %d), receipt %s", msgs[0].ID, msgs[0].Attempts, msgs[0].Receipt)

	step("Receiving again while leased...")
	again, err := c.Receive(ctx, "demo-orders", client.ReceiveOptions{Max: 1})
	if err != nil {
		return err
	}
	ok("Got %d message(s): the lease hides it", len(again))

	step("Acknowledging...")
	if err := c.Ack(ctx, msgs[0]); err != nil {
		return err
	}
	ok("Acked and deleted")
	return nil
}

func leaseExpiry(ctx context.Context, c *client.Client) error {
	if _, err := c.Purge(ctx, "demo-expiry"); err != nil {
		return err
	}
	if _, err := c.Enqueue(ctx, "demo-expiry", map[string]any{"task": "slow"}, nil); err != nil {
		return err
	}

	step("Worker A receives with a 1s lease and stalls...")
	first, err := c.Receive(ctx, "demo-expiry", client.ReceiveOptions{Max: 1, Visibility: time.Second})
	if err != nil || len(first) != 1 {
		return fmt.Errorf("receive: %v (%d messages)", err, len(first))
	}
	time.Sleep(1500 * time.Millisecond)

	step("Worker B receives after the lease lapsed...")
	second, err := c.Receive(ctx, "demo-expiry", client.ReceiveOptions{Max: 1, Visibility: 30 * time.Second})
	if err != nil || len(second) != 1 {
		return fmt.Errorf("receive: %v (%d messages)", err, len(second))
	}
	ok("Reclaimed by B (attempt %d)", second[0].Attempts)

	step("Worker A tries to extend its old lease...")
	err = c.Extend(ctx, first[0], 30*time.Second)
	if !errors.Is(err, client.ErrExpired) {
		return fmt.Errorf("expected expired, got %v", err)
	}
	ok("Rejected: %v", err)

	return c.Ack(ctx, second[0])
}

func releaseAndExtend(ctx context.Context, c *client.Client) error {
	if _, err := c.Purge(ctx, "demo-release"); err != nil {
		return err
	}
	if _, err := c.Enqueue(ctx, "demo-release", map[string]any{"email": "a@example.com"}, nil); err != nil {
		return err
	}

	msgs, err := c.Receive(ctx, "demo-release", client.ReceiveOptions{Max: 1})
	if err != nil || len(msgs) != 1 {
		return fmt.Errorf("receive: %v (%d messages)", err, len(msgs))
	}
	step("Releasing the message back to the queue...")
	if err := c.Release(ctx, msgs[0]); err != nil {
		return err
	}

	msgs, err = c.Receive(ctx, "demo-release", client.ReceiveOptions{Max: 1, Visibility: 5 * time.Second})
	if err != nil || len(msgs) != 1 {
		return fmt.Errorf("receive: %v (%d messages)", err, len(msgs))
	}
	ok("Immediately receivable again (attempt %d)", msgs[0].Attempts)

	step("Extending the lease by 1 minute...")
	if err := c.Extend(ctx, msgs[0], time.Minute); err != nil {
		return err
	}
	ok("Extended")
	return c.Ack(ctx, msgs[0])
}

func longPoll(ctx context.Context, c *client.Client) error {
	if _, err := c.Purge(ctx, "demo-poll"); err != nil {
		return err
	}
	go func() {
		time.Sleep(time.Second)
		_, _ = c.Enqueue(ctx, "demo-poll", map[string]any{"ping": true}, nil)
	}()

	step("Waiting up to 10s on an empty queue...")
	start := time.Now()
	msgs, err := c.Receive(ctx, "demo-poll", client.ReceiveOptions{Max: 1, Wait: 10 * time.Second})
	if err != nil {
		return err
	}
	ok("Woke after %s with %d message(s)", time.Since(start).Round(time.Millisecond), len(msgs))
	for _, m := range msgs {
		if err := c.Ack(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func displayMetrics() {
	printScenario("Metrics")
	resp, err := http.Get(baseURL() + "/metrics")
	if err != nil {
		fail("fetch metrics: %v", err)
		return
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, line := range strings.Split(string(body), "\n") {
		if strings.HasPrefix(line, "leaseq_") {
			fmt.Printf("  %s%s%s\n", colorBlue, line, colorReset)
		}
	}
}

func checkServer() bool {
	resp, err := http.Get(baseURL() + "/healthz")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func printHeader() {
	fmt.Print(colorCyan + colorBold)
	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Println("║              LEASEQ - INTERACTIVE DEMO                     ║")
	fmt.Println("║        Lease-based queue on Postgres or SQLite            ║")
	fmt.Println("╚════════════════════════════════════════════════════════════╝")
	fmt.Print(colorReset)
	fmt.Println()
}

func printFooter() {
	fmt.Println()
	fmt.Print(colorCyan)
	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Println("║                    Demo Complete!                          ║")
	fmt.Println("╚════════════════════════════════════════════════════════════╝")
	fmt.Print(colorReset)
}

func printScenario(title string) {
	fmt.Printf("%s%s── %s ──%s\n", colorBold, colorCyan, title, colorReset)
}

func step(format string, args ...any) {
	fmt.Printf("%s→ %s%s\n", colorYellow, fmt.Sprintf(format, args...), colorReset)
}

func ok(format string, args ...any) {
	fmt.Printf("%s  ✓ %s%s\n", colorGreen, fmt.Sprintf(format, args...), colorReset)
}

func fail(format string, args ...any) {
	fmt.Printf("%s  ✗ %s%s\n", colorRed, fmt.Sprintf(format, args...), colorReset)
}
