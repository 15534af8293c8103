// Command loadtest measures command throughput of the actor layer by
// playing full games against an in-memory store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Leftyshields/better-white-elephant-sub001/internal/broadcast"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/game"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/party"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/store"
)

// LoadTestConfig holds load test parameters.
type LoadTestConfig struct {
	NumGames       int
	PlayersPerGame int
	Concurrency    int
	Boomerang      bool
	ReportInterval time.Duration
}

// LoadTestStats tracks test metrics.
type LoadTestStats struct {
	GamesCompleted uint64
	CommandsTotal  uint64
	CommandErrors  uint64
}

func main() {
	numGames := flag.Int("games", 500, "Number of games to play")
	players := flag.Int("players", 6, "Players per game")
	concurrency := flag.Int("concurrency", 50, "Number of concurrent workers")
	boomerang := flag.Bool("boomerang", false, "Play return-to-start games")
	reportInterval := flag.Duration("report", 5*time.Second, "Stats reporting interval")
	flag.Parse()

	config := LoadTestConfig{
		NumGames:       *numGames,
		PlayersPerGame: *players,
		Concurrency:    *concurrency,
		Boomerang:      *boomerang,
		ReportInterval: *reportInterval,
	}

	slog.Info("Starting white-elephant load test",
		"games", config.NumGames,
		"players", config.PlayersPerGame,
		"concurrency", config.Concurrency,
		"boomerang", config.Boomerang,
	)

	runLoadTest(config)
}

func runLoadTest(config LoadTestConfig) {
	st := store.NewMemoryStore()
	bcast := broadcast.New(nil)
	registry := party.NewRegistry(st, bcast, nil,
		party.WithMailboxCap(256),
		party.WithIdleTTL(time.Hour),
	)
	defer registry.Stop()

	stats := &LoadTestStats{}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	gameChan := make(chan int, config.NumGames)
	for i := 0; i < config.NumGames; i++ {
		gameChan <- i
	}
	close(gameChan)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportStats(ctx, stats, config.ReportInterval)

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < config.Concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for gameID := range gameChan {
				playGame(registry, st, config, workerID, gameID, stats, &latencies, &latenciesMu)
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	printResults(stats, latencies, elapsed)
}

// playGame seeds one lobby and plays it to completion, timing every command.
func playGame(registry *party.Registry, st *store.MemoryStore, config LoadTestConfig, workerID, gameID int, stats *LoadTestStats, latencies *[]time.Duration, mu *sync.Mutex) {
	ctx := context.Background()
	partyID := fmt.Sprintf("load-%d-%d", workerID, gameID)
	adminID := fmt.Sprintf("player-%s-0", partyID)
	now := time.Now().UTC()

	cfg := game.DefaultConfig()
	cfg.ReturnToStart = config.Boomerang

	if err := st.CreateParty(ctx, &game.Party{
		ID: partyID, AdminID: adminID, Status: game.StatusLobby,
		Config: cfg, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		log.Fatalf("Failed to create party: %v", err)
	}
	for i := 0; i < config.PlayersPerGame; i++ {
		userID := fmt.Sprintf("player-%s-%d", partyID, i)
		if err := st.AddParticipant(ctx, partyID, game.Participant{
			UserID: userID, Status: game.ParticipantGoing, JoinedAt: now.Add(time.Duration(i) * time.Second),
		}); err != nil {
			log.Fatalf("Failed to add participant: %v", err)
		}
		if err := st.AddGift(ctx, game.Gift{
			ID: fmt.Sprintf("gift-%s-%d", partyID, i), PartyID: partyID,
			SubmitterID: userID, SubmittedAt: now.Add(time.Duration(i) * time.Second),
		}); err != nil {
			log.Fatalf("Failed to add gift: %v", err)
		}
	}

	// The actor caches the roster at spawn, so spawn after seeding.
	submit := func(cmd game.Command) party.Result {
		cmdStart := time.Now()
		res := registry.Submit(ctx, partyID, cmd)
		atomic.AddUint64(&stats.CommandsTotal, 1)
		if res.Err != nil {
			atomic.AddUint64(&stats.CommandErrors, 1)
		} else {
			mu.Lock()
			*latencies = append(*latencies, time.Since(cmdStart))
			mu.Unlock()
		}
		return res
	}

	res := submit(game.StartGame{ActorID: adminID, Seed: int64(gameID), HasSeed: true})
	if res.Err != nil {
		log.Fatalf("StartGame failed: %v", res.Err)
	}

	snapshot := res.Party
	for steps := 0; snapshot.Status == game.StatusActive; steps++ {
		if steps > config.PlayersPerGame*8 {
			log.Fatalf("Game %s did not terminate", partyID)
		}
		active := snapshot.ActivePlayerID()
		gs := snapshot.GameState

		var cmd game.Command
		if _, holds := gs.OwnedGift(active); !holds && len(gs.WrappedGifts) > 0 {
			cmd = game.Pick{ActorID: active, GiftID: gs.WrappedGifts[0]}
		} else if holds {
			cmd = game.EndTurn{ActorID: active}
		} else {
			cmd = game.Pick{ActorID: active, GiftID: gs.WrappedGifts[0]}
		}

		res = submit(cmd)
		if res.Err != nil {
			log.Fatalf("Command failed mid-game: %v", res.Err)
		}
		snapshot = res.Party
	}
	atomic.AddUint64(&stats.GamesCompleted, 1)
}

func reportStats(ctx context.Context, stats *LoadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			slog.Info("Progress",
				"games_completed", atomic.LoadUint64(&stats.GamesCompleted),
				"commands", atomic.LoadUint64(&stats.CommandsTotal),
				"errors", atomic.LoadUint64(&stats.CommandErrors),
			)
		}
	}
}

func printResults(stats *LoadTestStats, latencies []time.Duration, elapsed time.Duration) {
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var total time.Duration
	for _, l := range latencies {
		total += l
	}

	fmt.Println("==========================================")
	fmt.Printf("Games completed:  %d\n", stats.GamesCompleted)
	fmt.Printf("Commands total:   %d\n", stats.CommandsTotal)
	fmt.Printf("Command errors:   %d\n", stats.CommandErrors)
	fmt.Printf("Elapsed:          %s\n", elapsed.Round(time.Millisecond))
	if len(latencies) > 0 {
		fmt.Printf("Throughput:       %.1f commands/sec\n", float64(len(latencies))/elapsed.Seconds())
		fmt.Printf("Avg latency:      %s\n", (total / time.Duration(len(latencies))).Round(time.Microsecond))
		fmt.Printf("P95 latency:      %s\n", latencies[len(latencies)*95/100].Round(time.Microsecond))
		fmt.Printf("P99 latency:      %s\n", latencies[len(latencies)*99/100].Round(time.Microsecond))
		fmt.Printf("Max latency:      %s\n", latencies[len(latencies)-1].Round(time.Microsecond))
	}
	fmt.Println("==========================================")
}
