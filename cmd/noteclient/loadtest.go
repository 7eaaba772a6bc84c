package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/example/shared-note/internal/crdt"
	"github.com/example/shared-note/internal/protocol"
	"github.com/example/shared-note/internal/types"
)

const (
	flagClients  = "clients"
	flagMessages = "messages"
	flagRate     = "rate"
	flagTarget   = "target"
)

type latencySample struct {
	dur time.Duration
}

// sentTimes records when each inserted run left the writer.
type sentTimes struct {
	mu sync.Mutex
	at map[types.ID]time.Time
}

func (s *sentTimes) mark(id types.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.at[id] = time.Now()
}

func (s *sentTimes) since(id types.ID) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.at[id]
	if !ok {
		return 0, false
	}
	return time.Since(ts), true
}

func newLoadtestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Measure fan-out latency with many concurrent listeners",
		Args:  cobra.NoArgs,
		RunE:  runLoadtest,
	}
	cmd.Flags().Int(flagClients, 100, "number of concurrent websocket listeners")
	cmd.Flags().Int(flagMessages, 20, "number of updates the writer sends")
	cmd.Flags().Float64(flagRate, 5, "updates per second sent by the writer")
	cmd.Flags().Duration(flagTarget, 50*time.Millisecond, "latency target used in the report")
	return cmd
}

func runLoadtest(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString(flagURL)
	clients, _ := cmd.Flags().GetInt(flagClients)
	messages, _ := cmd.Flags().GetInt(flagMessages)
	perSecond, _ := cmd.Flags().GetFloat64(flagRate)
	target, _ := cmd.Flags().GetDuration(flagTarget)
	if clients < 1 || messages < 1 || perSecond <= 0 {
		return fmt.Errorf("clients, messages and rate must be positive")
	}

	logger := loggerFor(cmd).With().Str("url", addr).Logger()
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	sent := &sentTimes{at: make(map[types.ID]time.Time)}
	latencyCh := make(chan latencySample, clients*messages)

	var (
		listeners sync.WaitGroup
		ready     sync.WaitGroup
	)
	for i := 0; i < clients; i++ {
		listeners.Add(1)
		ready.Add(1)
		go func(id int) {
			defer listeners.Done()
			conn, _, err := dialer.DialContext(ctx, addr, nil)
			ready.Done()
			if err != nil {
				logger.Error().Err(err).Int("client", id).Msg("dial failed")
				return
			}
			defer conn.Close()
			stopClose := context.AfterFunc(ctx, func() { _ = conn.Close() })
			defer stopClose()
			readerLoop(conn, sent, latencyCh, logger)
		}(i)
	}
	ready.Wait()

	if err := writeUpdates(ctx, &dialer, addr, messages, rate.NewLimiter(rate.Limit(perSecond), 1), sent); err != nil {
		cancel()
		listeners.Wait()
		return err
	}

	// Give the last update time to reach every listener.
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
	}
	cancel()
	listeners.Wait()
	close(latencyCh)

	report(cmd.OutOrStdout(), latencyCh, target, logger)
	return nil
}

func writeUpdates(ctx context.Context, dialer *websocket.Dialer, addr string, messages int, limiter *rate.Limiter, sent *sentTimes) error {
	conn, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("dial writer: %w", err)
	}
	defer conn.Close()

	// Drain server frames so control frames keep being answered.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	doc := crdt.NewDoc(0)
	for j := 0; j < messages; j++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		run, update, err := doc.Insert(nil, strconv.Itoa(j)+";")
		if err != nil {
			return err
		}
		sent.mark(run.ID)
		if err := conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeUpdateMessage(update)); err != nil {
			return fmt.Errorf("send update %d: %w", j, err)
		}
	}
	return nil
}

func readerLoop(conn *websocket.Conn, sent *sentTimes, latencies chan<- latencySample, logger zerolog.Logger) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("listener stopped")
			}
			return
		}

		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to decode frame")
			continue
		}
		if msg.Kind != protocol.KindSync || msg.Step != protocol.StepUpdate {
			continue
		}
		for _, run := range msg.Update.Runs {
			if d, ok := sent.since(run.ID); ok {
				select {
				case latencies <- latencySample{dur: d}:
				default:
				}
			}
		}
	}
}

func report(out io.Writer, samples <-chan latencySample, target time.Duration, logger zerolog.Logger) {
	var durations []time.Duration
	var total time.Duration
	for s := range samples {
		durations = append(durations, s.dur)
		total += s.dur
	}

	if len(durations) == 0 {
		fmt.Fprintln(out, "no samples collected")
		return
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	underTarget := sort.Search(len(durations), func(i int) bool { return durations[i] >= target })

	count := len(durations)
	avg := time.Duration(int64(math.Round(float64(total) / float64(count))))
	p99 := durations[min(count-1, count*99/100)]
	pct := float64(underTarget) / float64(count) * 100

	fmt.Fprintf(out, "Samples: %d\nAvg latency: %s\np99 latency: %s\nMax latency: %s\n<%s: %.2f%%\n",
		count, avg, p99, durations[count-1], target, pct)
	if pct < 95 {
		logger.Warn().Dur("target", target).Msg("less than 95% of updates met the latency target")
	}
}
