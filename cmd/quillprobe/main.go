// Command quillprobe measures end-to-end answer stream latency against a
// running server: time to first thinking chunk, time to first answer delta,
// and total stream duration, over a configurable number of turns.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/quillchat/quill/internal/client"
)

type options struct {
	baseURL     string
	prompt      string
	turns       int
	turnTimeout time.Duration
	verbose     bool
}

type turnResult struct {
	firstThinking time.Duration
	firstAnswer   time.Duration
	total         time.Duration
	answerLen     int
	failed        bool
}

func main() {
	opts := parseFlags()

	results := make([]turnResult, 0, opts.turns)
	for turn := 1; turn <= opts.turns; turn++ {
		result := runTurn(opts, turn)
		results = append(results, result)
		if opts.verbose {
			printTurn(turn, result)
		}
	}

	printSummary(results)

	if opts.verbose {
		printServerStages(opts.baseURL)
	}
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:8080", "server base URL")
	flag.StringVar(&opts.prompt, "prompt", "Reply in one short sentence: what is streaming latency?", "prompt sent each turn")
	flag.IntVar(&opts.turns, "turns", 3, "number of measured turns")
	flag.DurationVar(&opts.turnTimeout, "turn-timeout", 60*time.Second, "per-turn timeout")
	flag.BoolVar(&opts.verbose, "v", false, "print per-turn detail and server-side stage stats")
	flag.Parse()

	if opts.turns < 1 {
		fmt.Fprintln(os.Stderr, "turns must be at least 1")
		os.Exit(2)
	}
	return opts
}

func runTurn(opts options, turn int) turnResult {
	ctx, cancel := context.WithTimeout(context.Background(), opts.turnTimeout)
	defer cancel()

	consumer := client.NewStreamConsumer(opts.baseURL+"/v1/chat/stream", nil, nil)
	started := time.Now()
	done := consumer.Start(ctx, opts.prompt, fmt.Sprintf("probe-%d", turn), "")

	var result turnResult
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			result.total = time.Since(started)
			markFirsts(consumer, started, &result)
			result.answerLen = len(consumer.Answer())
			result.failed = consumer.State() != client.StreamComplete
			if result.failed && consumer.Err() != "" {
				fmt.Fprintf(os.Stderr, "turn %d failed: %s\n", turn, consumer.Err())
			}
			return result
		case <-ticker.C:
			markFirsts(consumer, started, &result)
		}
	}
}

func markFirsts(consumer *client.StreamConsumer, started time.Time, result *turnResult) {
	if result.firstThinking == 0 && len(consumer.Thinking()) > 0 {
		result.firstThinking = time.Since(started)
	}
	if result.firstAnswer == 0 && consumer.Answer() != "" {
		result.firstAnswer = time.Since(started)
	}
}

func printTurn(turn int, result turnResult) {
	status := "ok"
	if result.failed {
		status = "failed"
	}
	fmt.Printf("turn %d: %s first_thinking=%s first_answer=%s total=%s answer_bytes=%d\n",
		turn, status, formatDuration(result.firstThinking), formatDuration(result.firstAnswer),
		formatDuration(result.total), result.answerLen)
}

func printSummary(results []turnResult) {
	var ok []turnResult
	for _, r := range results {
		if !r.failed {
			ok = append(ok, r)
		}
	}
	fmt.Printf("turns: %d ok, %d failed\n", len(ok), len(results)-len(ok))
	if len(ok) == 0 {
		os.Exit(1)
	}

	printStat("first_thinking", ok, func(r turnResult) time.Duration { return r.firstThinking })
	printStat("first_answer", ok, func(r turnResult) time.Duration { return r.firstAnswer })
	printStat("total", ok, func(r turnResult) time.Duration { return r.total })
}

func printStat(name string, results []turnResult, pick func(turnResult) time.Duration) {
	var values []time.Duration
	for _, r := range results {
		if d := pick(r); d > 0 {
			values = append(values, d)
		}
	}
	if len(values) == 0 {
		fmt.Printf("%-15s n/a\n", name)
		return
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	var sum time.Duration
	for _, v := range values {
		sum += v
	}
	fmt.Printf("%-15s min=%s avg=%s max=%s\n", name,
		formatDuration(values[0]),
		formatDuration(sum/time.Duration(len(values))),
		formatDuration(values[len(values)-1]))
}

func printServerStages(baseURL string) {
	resp, err := http.Get(strings.TrimSuffix(baseURL, "/") + "/v1/perf/latency")
	if err != nil {
		fmt.Fprintf(os.Stderr, "stage stats unavailable: %v\n", err)
		return
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		fmt.Fprintf(os.Stderr, "stage stats read failed: %v\n", err)
		return
	}
	var pretty map[string]any
	if err := json.Unmarshal(raw, &pretty); err != nil {
		fmt.Fprintf(os.Stderr, "stage stats decode failed: %v\n", err)
		return
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Printf("server stages:\n%s\n", out)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "n/a"
	}
	return d.Round(time.Millisecond).String()
}
