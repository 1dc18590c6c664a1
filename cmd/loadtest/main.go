package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/citycare/controlcenter/pkg/client"
	"github.com/citycare/controlcenter/pkg/protocol"
)

const probePrefix = "lt:"

var nameWords = []string{
	"amber", "birch", "cedar", "delta", "ember", "fjord", "grove", "harbor",
	"iris", "juniper", "kestrel", "lumen", "maple", "nova", "orchid", "pine",
	"quartz", "raven", "sierra", "tundra", "umber", "vale", "willow", "yarrow",
}

func generateUsername(id int) string {
	word := nameWords[rand.Intn(len(nameWords))]
	return fmt.Sprintf("%s%d", word, id)
}

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	// Format: "0.52 0.58 0.59 1/285 12345"
	var load1 float64
	fmt.Sscanf(string(data), "%f", &load1)
	return load1
}

// Stats tracks performance metrics
type Stats struct {
	messagesSent     atomic.Int64
	sendFailures     atomic.Int64
	deliveries       atomic.Int64 // probe messages received by other bots
	totalLatency     atomic.Int64 // in microseconds
	maxLatency       atomic.Int64
	connectionErrors atomic.Int64
	loginRejected    atomic.Int64
	disconnections   atomic.Int64
	connectedClients atomic.Int64
}

func (s *Stats) recordDelivery(latency time.Duration) {
	us := latency.Microseconds()
	s.deliveries.Add(1)
	s.totalLatency.Add(us)
	for {
		current := s.maxLatency.Load()
		if us <= current || s.maxLatency.CompareAndSwap(current, us) {
			return
		}
	}
}

func (s *Stats) snapshot() (sent, delivered int64, avgLatencyUs float64) {
	sent = s.messagesSent.Load()
	delivered = s.deliveries.Load()
	if delivered > 0 {
		avgLatencyUs = float64(s.totalLatency.Load()) / float64(delivered)
	}
	return
}

// encodeProbe embeds the send time so receivers can measure fan-out latency
func encodeProbe(botID, seq int, at time.Time) string {
	return fmt.Sprintf("%s%d:%d:%d", probePrefix, botID, seq, at.UnixNano())
}

func decodeProbe(text string) (time.Time, bool) {
	if !strings.HasPrefix(text, probePrefix) {
		return time.Time{}, false
	}
	parts := strings.Split(strings.TrimPrefix(text, probePrefix), ":")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}

// BotClient is a scripted chat participant
type BotClient struct {
	id       int
	nickname string
	conn     *client.Connection
	stats    *Stats

	connected chan error    // result of the connect and login sequence
	done      chan struct{} // closed when the connection ends
	doneOnce  sync.Once
	loggedIn  atomic.Bool
}

func NewBotClient(id int, serverAddr string, stats *Stats) (*BotClient, error) {
	bot := &BotClient{
		id:        id,
		nickname:  generateUsername(id),
		stats:     stats,
		connected: make(chan error, 1),
		done:      make(chan struct{}),
	}

	conn, err := client.NewConnection(serverAddr, client.Handlers{
		OnConnected:       bot.onConnected,
		OnDisconnected:    bot.onDisconnected,
		OnConnectionError: bot.onConnectionError,
		OnMessage:         bot.onMessage,
		OnError: func(err error) {
			stats.sendFailures.Add(1)
			debugLogger.Printf("[Bot %d] %v", id, err)
		},
	})
	if err != nil {
		return nil, err
	}
	conn.SetLogger(debugLogger)
	bot.conn = conn
	return bot, nil
}

func (bc *BotClient) report(err error) {
	select {
	case bc.connected <- err:
	default:
	}
}

func (bc *BotClient) onConnected() {
	bc.conn.Login(bc.nickname)
}

func (bc *BotClient) onConnectionError(err error) {
	bc.report(err)
}

func (bc *BotClient) onDisconnected(reason string) {
	if bc.loggedIn.Load() && reason != client.DisconnectedManually {
		bc.stats.disconnections.Add(1)
		debugLogger.Printf("[Bot %d] Disconnected: %s", bc.id, reason)
	}
	bc.report(errors.New(reason))
	bc.doneOnce.Do(func() { close(bc.done) })
}

func (bc *BotClient) onMessage(msg protocol.Message) {
	switch msg := msg.(type) {
	case protocol.System:
		if strings.HasPrefix(msg.Text, "Error: ") && !bc.loggedIn.Load() {
			bc.stats.loginRejected.Add(1)
			bc.report(errors.New(msg.Text))
			return
		}
		if strings.HasPrefix(msg.Text, "Connection successful.") {
			bc.loggedIn.Store(true)
			bc.report(nil)
		}
	case protocol.Chat:
		if sentAt, ok := decodeProbe(msg.Text); ok {
			bc.stats.recordDelivery(time.Since(sentAt))
		}
	}
}

// Connect dials the server and claims the bot's name
func (bc *BotClient) Connect(timeout time.Duration) error {
	bc.conn.Connect()
	select {
	case err := <-bc.connected:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("login timed out after %v", timeout)
	}
}

// Run sends count probe messages one interval apart, stopping early if the
// connection drops or stop is closed
func (bc *BotClient) Run(count int, interval time.Duration, stop <-chan struct{}) {
	for seq := 0; seq < count; seq++ {
		// Jitter keeps bots from sending in lockstep
		delay := interval
		if interval > 0 {
			delay += time.Duration(rand.Int63n(int64(interval)/4 + 1))
		}

		select {
		case <-stop:
			return
		case <-bc.done:
			return
		case <-time.After(delay):
		}

		bc.conn.Chat(encodeProbe(bc.id, seq, time.Now()))
		bc.stats.messagesSent.Add(1)
	}

	// Let the last probes reach the other bots before logging out
	select {
	case <-stop:
	case <-bc.done:
	case <-time.After(2 * interval):
	}
}

// Shutdown logs out and releases the connection
func (bc *BotClient) Shutdown() {
	if bc.conn.IsConnected() {
		bc.conn.Logout()
		// Give the server time to read the logout before the socket closes
		time.Sleep(100 * time.Millisecond)
	}
	bc.conn.Close()
}

var debugLogger = log.New(io.Discard, "", 0)

func initLogging() error {
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}

	debugLogFile, err := os.OpenFile("loadtest_debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest_debug.log: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)

	debugLogger = log.New(debugLogFile, "", log.LstdFlags|log.Lmicroseconds)
	return nil
}

func main() {
	serverAddr := flag.String("server", "localhost:5555", "Server address (host:port, ssh:// or ws:// URL)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	messages := flag.Int("messages", 100, "Messages sent by each client")
	interval := flag.Duration("interval", 500*time.Millisecond, "Delay between a client's messages")
	rampUp := flag.Duration("ramp-up", 5*time.Second, "Time over which clients connect")
	flag.Parse()

	if *numClients < 1 {
		fmt.Fprintln(os.Stderr, "-clients must be at least 1")
		os.Exit(2)
	}

	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	staggerDelay := *rampUp / time.Duration(*numClients)
	if staggerDelay < time.Millisecond {
		staggerDelay = time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Messages: %d per client, every %v", *messages, *interval)
	log.Printf("  Ramp-up: %v (%v per client)", *rampUp, staggerDelay)

	stats := &Stats{}
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		stopAll()
	}()

	statsDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		start := time.Now()
		for {
			select {
			case <-ticker.C:
				sent, delivered, avgUs := stats.snapshot()
				elapsed := time.Since(start).Seconds()
				log.Printf("Stats: %d clients, %d sent (%.1f/s), %d delivered, avg latency %.2fms, load %.2f, goroutines %d",
					stats.connectedClients.Load(), sent, float64(sent)/elapsed, delivered, avgUs/1000.0,
					getCPULoad(), runtime.NumGoroutine())
			case <-statsDone:
				return
			}
		}
	}()

	var wg sync.WaitGroup
spawn:
	for i := 0; i < *numClients; i++ {
		select {
		case <-stop:
			break spawn
		default:
		}

		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			bot, err := NewBotClient(id, *serverAddr, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				log.Printf("[Bot %d] %v", id, err)
				return
			}
			defer bot.Shutdown()

			if err := bot.Connect(5 * time.Second); err != nil {
				stats.connectionErrors.Add(1)
				debugLogger.Printf("[Bot %d] Connect failed: %v", id, err)
				return
			}
			stats.connectedClients.Add(1)
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, bot.nickname)
			}

			bot.Run(*messages, *interval, stop)
		}(i)

		time.Sleep(staggerDelay)
	}

	wg.Wait()
	close(statsDone)

	sent, delivered, avgUs := stats.snapshot()
	connected := stats.connectedClients.Load()

	// Each probe should reach every other connected bot
	expected := sent * (connected - 1)
	deliveryRate := 0.0
	if expected > 0 {
		deliveryRate = float64(delivered) / float64(expected) * 100
	}

	log.Printf("=== Final Results ===")
	log.Printf("Clients: %d attempted, %d connected (%.1f%%)", *numClients, connected, float64(connected)/float64(*numClients)*100)
	log.Printf("Connection errors: %d (%d names rejected)", stats.connectionErrors.Load(), stats.loginRejected.Load())
	log.Printf("Unexpected disconnections: %d", stats.disconnections.Load())
	log.Printf("Messages sent: %d, send failures: %d", sent, stats.sendFailures.Load())
	log.Printf("Deliveries: %d of ~%d expected (%.1f%%)", delivered, expected, deliveryRate)
	log.Printf("Fan-out latency: avg %.2fms, max %.2fms", avgUs/1000.0, float64(stats.maxLatency.Load())/1000.0)
}
