package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/highscore-gateway/internal/envelope"
	"github.com/highscore-gateway/internal/kafka"
	"github.com/highscore-gateway/internal/signing"
)

var playerPrefixes = []string{
	"Phoenix", "Shadow", "Thunder", "Storm", "Blaze", "Ninja", "Dragon", "Wolf", "Hawk", "Viper",
	"Ghost", "Titan", "Frost", "Cyber", "Nova", "Raven", "Omega", "Alpha", "Delta", "Sigma",
	"Ace", "Bolt", "Crash", "Dash", "Edge", "Flash", "Glitch", "Haze", "Ion", "Jade",
	"Knight", "Luna", "Mystic", "Neon", "Orion", "Pulse", "Quantum", "Rebel", "Spark", "Turbo",
}

func getPlayerName(idx int) string {
	prefixIdx := idx % len(playerPrefixes)
	suffix := idx/len(playerPrefixes) + 1
	return fmt.Sprintf("%s%d", playerPrefixes[prefixIdx], suffix)
}

// sender delivers one signed body
type sender func(body string) error

func main() {
	// Command line flags
	mode := flag.String("mode", "kafka", "Delivery: kafka or http")
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "highscore-submissions", "Kafka topic")
	serverURL := flag.String("url", "http://localhost:8080", "Gateway base URL for http mode")
	gameID := flag.String("game", "", "Game UUID")
	secret := flag.String("secret", "", "Game secret key")
	tableID := flag.String("table", "", "Table UUID")
	algo := flag.String("algo", "sha256", "Signing algorithm (sha256 or sha1)")
	totalPlayers := flag.Int("players", 100, "Number of distinct player names")
	updatesPerSecond := flag.Int("rate", 20, "Submissions per second")
	count := flag.Int("count", 0, "Stop after this many submissions (0 = forever)")
	flag.Parse()

	gameUUID, err := uuid.Parse(*gameID)
	if err != nil {
		log.Fatalf("Invalid -game: %v", err)
	}
	tableUUID, err := uuid.Parse(*tableID)
	if err != nil {
		log.Fatalf("Invalid -table: %v", err)
	}
	if *secret == "" {
		log.Fatal("-secret is required")
	}
	if _, err := signing.ParseAlgorithm(*algo); err != nil {
		log.Fatalf("Invalid -algo: %v", err)
	}
	if *updatesPerSecond <= 0 || *totalPlayers <= 0 {
		log.Fatal("-rate and -players must be positive")
	}

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("  Signed Score Producer")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Mode:             %s\n", *mode)
	fmt.Printf("  Game:             %s\n", gameUUID)
	fmt.Printf("  Table:            %s\n", tableUUID)
	fmt.Printf("  Algorithm:        %s\n", *algo)
	fmt.Printf("  Submissions/sec:  %d\n", *updatesPerSecond)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	var send sender
	switch *mode {
	case "kafka":
		producer, err := kafka.NewProducer(strings.Split(*brokers, ","), *topic)
		if err != nil {
			log.Fatalf("Failed to create producer: %v", err)
		}
		defer producer.Close()
		send = func(body string) error {
			// keep a table's submissions on one partition
			_, _, err := producer.Send(tableUUID.String(), body)
			return err
		}
	case "http":
		client := &http.Client{Timeout: 10 * time.Second}
		endpoint := strings.TrimRight(*serverURL, "/") + "/tables/scores/new"
		send = func(body string) error {
			resp, err := client.Post(endpoint, "text/plain", strings.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("gateway answered %s", resp.Status)
			}
			return nil
		}
	default:
		log.Fatalf("Unknown -mode %q", *mode)
	}

	// Every submission gets a fresh request UUID and timestamp
	submit := func() error {
		h := envelope.Header{
			GameUUID:         gameUUID,
			RequestUUID:      uuid.New(),
			RequestTimestamp: time.Now().Unix(),
			Algorithm:        *algo,
		}
		score := float64(rand.Intn(5000) + 100)
		body, err := signing.Seal(h, envelope.ScoreSubmission{
			TableUUID:   tableUUID,
			PlayerName:  getPlayerName(rand.Intn(*totalPlayers)),
			PlayerScore: &score,
		}, *secret)
		if err != nil {
			return err
		}
		return send(body)
	}

	// Handle shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	ticker := time.NewTicker(time.Second / time.Duration(*updatesPerSecond))
	defer ticker.Stop()

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var sent, failed int64
	report := func() {
		fmt.Printf("\n✓ Completed. Sent: %d, Errors: %d\n", atomic.LoadInt64(&sent), atomic.LoadInt64(&failed))
	}

	for {
		select {
		case <-sigChan:
			fmt.Println("\n\nShutting down...")
			report()
			return

		case <-ticker.C:
			if err := submit(); err != nil {
				atomic.AddInt64(&failed, 1)
				log.Printf("Submission error: %v", err)
			} else {
				atomic.AddInt64(&sent, 1)
			}
			if *count > 0 && atomic.LoadInt64(&sent)+atomic.LoadInt64(&failed) >= int64(*count) {
				report()
				return
			}

		case <-statsTicker.C:
			fmt.Printf("[%s] Sent: %d | Errors: %d\n",
				time.Now().Format("15:04:05"),
				atomic.LoadInt64(&sent),
				atomic.LoadInt64(&failed),
			)
		}
	}
}
