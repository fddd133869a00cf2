package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/s-rishu/raft-distributed-rsm/param"
	"github.com/s-rishu/raft-distributed-rsm/raft"
	"github.com/s-rishu/raft-distributed-rsm/storage"
	"github.com/s-rishu/raft-distributed-rsm/transport"
)

// Config holds the server configuration
type Config struct {
	NodeID          int
	PeersStr        string
	TransportType   string
	StorageType     string
	MinElectionMs   int64
	MaxElectionMs   int64
	HeartbeatMs     int64
	InitialLeaderID int
}

var config Config

func main() {
	var rootCmd = &cobra.Command{
		Use:   "queue-server",
		Short: "A replicated FIFO queue node",
		Run:   runServer,
	}

	rootCmd.Flags().IntVar(&config.NodeID, "id", 1, "Node ID")
	rootCmd.Flags().StringVar(&config.PeersStr, "peers", "1=127.0.0.1:8001,2=127.0.0.1:8002,3=127.0.0.1:8003", "Comma-separated list of peer ID=Address pairs")
	rootCmd.Flags().StringVar(&config.TransportType, "transport", transport.GrpcTransport, "Transport type: tcp, grpc, inmemory")
	rootCmd.Flags().StringVar(&config.StorageType, "storage", storage.InmemoryStorage, "Storage type: inmemory")
	rootCmd.Flags().Int64Var(&config.MinElectionMs, "min-election", 150, "Minimum election timeout in milliseconds")
	rootCmd.Flags().Int64Var(&config.MaxElectionMs, "max-election", 300, "Maximum election timeout in milliseconds")
	rootCmd.Flags().Int64Var(&config.HeartbeatMs, "heartbeat", 50, "Heartbeat interval in milliseconds")
	rootCmd.Flags().IntVar(&config.InitialLeaderID, "leader-hint", 0, "Initial leader hint (0 for unknown)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runServer(_ *cobra.Command, _ []string) {
	srv, err := NewServer(config)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	waitForSignal(srv)
}

// Server represents the queue node instance
type Server struct {
	config     Config
	raft       *raft.Raft
	transport  transport.Transport
	store      storage.Storage
	commitChan chan param.CommitEntry
}

// NewServer creates a new Server instance
func NewServer(cfg Config) (*Server, error) {
	// 1. Parse peers
	peerMap, peerIDs, myAddr, err := parsePeers(cfg.PeersStr, cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse peers: %w", err)
	}

	// 2. Initialize storage
	store, stateMachine, err := storage.NewStorage(cfg.StorageType)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	// 3. Initialize transport
	trans, err := transport.NewTransport(cfg.TransportType, myAddr)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize transport: %w", err)
	}
	trans.SetPeers(peerMap)

	// 4. Create Raft node
	raftConfig := param.Config{
		View:               peerIDs,
		LeaderHint:         cfg.InitialLeaderID,
		MinElectionTimeout: time.Duration(cfg.MinElectionMs) * time.Millisecond,
		MaxElectionTimeout: time.Duration(cfg.MaxElectionMs) * time.Millisecond,
		HeartbeatTimeout:   time.Duration(cfg.HeartbeatMs) * time.Millisecond,
	}
	commitChan := make(chan param.CommitEntry, 100)
	rf, err := raft.NewRaft(cfg.NodeID, raftConfig, store, stateMachine, trans, commitChan)
	if err != nil {
		store.Close()
		trans.Close()
		return nil, fmt.Errorf("failed to create raft node: %w", err)
	}

	return &Server{
		config:     cfg,
		raft:       rf,
		transport:  trans,
		store:      store,
		commitChan: commitChan,
	}, nil
}

// Start starts the queue node components
func (s *Server) Start() error {
	// Register Raft to transport
	s.transport.RegisterRaft(s.raft)

	// Start transport service
	go func() {
		log.Printf("Starting %s transport service on %s", s.config.TransportType, s.transport.Addr())
		if err := s.transport.Start(); err != nil {
			log.Fatalf("Failed to start transport service: %v", err)
		}
	}()

	// Start Raft node
	go s.raft.Run()

	// Handle committed entries
	go s.handleCommits()

	log.Printf("Queue node %d started", s.config.NodeID)
	return nil
}

// Stop stops the queue node
func (s *Server) Stop() {
	log.Println("Shutting down...")
	s.raft.Stop()
	if err := s.transport.Close(); err != nil {
		log.Printf("Failed to close transport: %v", err)
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("Failed to close store: %v", err)
		}
	}
	log.Println("Node stopped")
}

func (s *Server) handleCommits() {
	for entry := range s.commitChan {
		log.Printf("Node %d applied entry: index=%d term=%d op=%s result=%s", s.config.NodeID, entry.Entry.Index, entry.Entry.Term, entry.Entry.Op, entry.Result.Kind)
	}
}

func waitForSignal(srv *Server) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	srv.Stop()
}

func parsePeers(peersStr string, nodeID int) (map[int]string, []int, string, error) {
	peerMap := make(map[int]string)
	peerIDs := make([]int, 0)
	for _, p := range strings.Split(peersStr, ",") {
		parts := strings.Split(p, "=")
		if len(parts) != 2 {
			return nil, nil, "", fmt.Errorf("invalid peer format: %s", p)
		}
		var pid int
		if _, err := fmt.Sscanf(parts[0], "%d", &pid); err != nil {
			return nil, nil, "", fmt.Errorf("invalid peer ID: %s", parts[0])
		}
		peerMap[pid] = parts[1]
		peerIDs = append(peerIDs, pid)
	}

	myAddr, ok := peerMap[nodeID]
	if !ok {
		return nil, nil, "", fmt.Errorf("my ID %d not found in peers list", nodeID)
	}
	return peerMap, peerIDs, myAddr, nil
}
