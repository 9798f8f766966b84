package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MIAOMC-Server/SSaver/pkg/collector"
	"github.com/MIAOMC-Server/SSaver/pkg/logger"
	"github.com/MIAOMC-Server/SSaver/pkg/parser"
	"github.com/MIAOMC-Server/SSaver/pkg/producer"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	blocks   = []string{"STONE", "DIRT", "OAK_LOG", "DIAMOND_ORE", "SAND"}
	entities = []string{"ZOMBIE", "SKELETON", "CREEPER", "COW"}
	items    = []string{"BREAD", "IRON_PICKAXE", "BOW", "TORCH"}
)

// session is one simulated play session
type session struct {
	PlayerID uuid.UUID `json:"player_id"`
	Name     string    `json:"player_name"`
	Seconds  int64     `json:"seconds"`
}

func main() {
	addr := flag.String("addr", ":8082", "HTTP server address")
	brokers := flag.String("brokers", "localhost:9092", "comma separated Kafka brokers")
	topic := flag.String("topic", "player-sessions", "session event topic")
	version := flag.String("version", "1.20.4", "engine version reported in quit events")
	flag.Parse()

	l, err := logger.New(logger.Config{Level: "info", ServiceName: "simulator"})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer l.Sync()

	kafkaProducer := producer.NewKafkaProducer(producer.Config{
		Brokers: strings.Split(*brokers, ","),
		Topic:   *topic,
	})
	defer kafkaProducer.Close()

	// POST /session?players=N&seconds=S publishes a join and a quit per player
	http.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		players := queryInt(r, "players", 1)
		seconds := queryInt(r, "seconds", 300)
		if players < 1 || players > 1000 || seconds < 0 {
			http.Error(w, "players must be 1-1000 and seconds non-negative", http.StatusBadRequest)
			return
		}

		now := time.Now()
		sessions := make([]session, 0, players)
		msgs := make([]producer.Message, 0, players*2)
		for i := 0; i < players; i++ {
			s := session{
				PlayerID: uuid.New(),
				Name:     fmt.Sprintf("player_%d", rand.Intn(1000000)),
				Seconds:  int64(seconds),
			}
			pair, err := sessionEvents(s, now, *version)
			if err != nil {
				http.Error(w, fmt.Sprintf("failed to encode: %v", err), http.StatusInternalServerError)
				return
			}
			sessions = append(sessions, s)
			msgs = append(msgs, pair...)
		}

		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		if err := kafkaProducer.Publish(ctx, msgs...); err != nil {
			l.Error("failed to publish session events", err, zap.Int("players", players))
			http.Error(w, fmt.Sprintf("failed to publish: %v", err), http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sessions)
	})

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{Addr: *addr}

	go func() {
		l.Info("simulator starting", zap.String("addr", *addr), zap.String("topic", *topic))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Error("server failed", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	l.Info("shutting down simulator")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	server.Shutdown(shutdownCtx)
}

// sessionEvents builds the join and quit messages of s ending at end, keyed
// by player so both land on the same partition
func sessionEvents(s session, end time.Time, version string) ([]producer.Message, error) {
	start := end.Add(-time.Duration(s.Seconds) * time.Second)

	join, err := parser.Encode(parser.Event{
		Type:      parser.EventJoin,
		PlayerID:  s.PlayerID,
		Timestamp: start.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}

	quit, err := parser.Encode(parser.Event{
		Type:          parser.EventQuit,
		PlayerID:      s.PlayerID,
		PlayerName:    s.Name,
		FirstPlayed:   start.UnixMilli(),
		EngineVersion: version,
		Timestamp:     end.UnixMilli(),
		Statistics:    randomDump(),
	})
	if err != nil {
		return nil, err
	}

	key := []byte(s.PlayerID.String())
	return []producer.Message{{Key: key, Value: join}, {Key: key, Value: quit}}, nil
}

func randomDump() *collector.Dump {
	d := collector.NewDump()
	d.General["JUMP"] = rand.Int63n(500)
	d.General["WALK_ONE_CM"] = rand.Int63n(100000)
	for _, b := range blocks {
		d.SetBlock(collector.MineBlock, b, rand.Int63n(64))
	}
	for _, e := range entities {
		d.SetEntity(collector.KillEntity, e, rand.Int63n(8))
	}
	for _, it := range items {
		d.SetItem(collector.UseItem, it, rand.Int63n(16))
	}
	return d
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}
