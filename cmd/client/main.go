package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/s-rishu/raft-distributed-rsm/client"
	"github.com/s-rishu/raft-distributed-rsm/transport"
)

var (
	peersStr      string
	transportType string
	op            string
	value         string
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "queue-client",
		Short: "A client for the replicated queue cluster",
		Run:   runClient,
	}

	rootCmd.Flags().StringVar(&peersStr, "peers", "1=127.0.0.1:8001,2=127.0.0.1:8002,3=127.0.0.1:8003", "Comma-separated list of peer ID=Address pairs")
	rootCmd.Flags().StringVar(&transportType, "transport", "grpc", "Transport type: tcp, grpc")
	rootCmd.Flags().StringVar(&op, "op", "nop", "Operation type: nop, enqueue, dequeue, leader, state")
	rootCmd.Flags().StringVar(&value, "value", "", "Value to enqueue (only for enqueue operation)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runClient(_ *cobra.Command, _ []string) {
	// 1. 解析 peers
	peerMap := make(map[int]string)
	for _, p := range strings.Split(peersStr, ",") {
		parts := strings.Split(p, "=")
		if len(parts) != 2 {
			log.Fatalf("Invalid peer format: %s", p)
		}
		var id int
		if _, err := fmt.Sscanf(parts[0], "%d", &id); err != nil {
			log.Fatalf("Invalid peer ID: %s", parts[0])
		}
		peerMap[id] = parts[1]
	}

	// 2. 初始化网络传输
	// 使用端口 0 让系统自动分配一个临时端口，作为客户端的源端口
	trans, err := transport.NewClientTransport("127.0.0.1:0", transportType)
	if err != nil {
		log.Fatalf("Failed to initialize transport: %v", err)
	}
	trans.SetPeers(peerMap)
	defer trans.Close()

	// 3. 创建客户端实例并执行操作
	c := client.NewClient(peerMap, trans)

	log.Printf("Sending %s (via %s)", op, transportType)
	switch op {
	case "nop":
		if err := c.Nop(); err != nil {
			log.Fatalf("Nop failed: %v", err)
		}
		fmt.Println("ok")
	case "enqueue":
		if err := c.Enqueue(value); err != nil {
			log.Fatalf("Enqueue failed: %v", err)
		}
		fmt.Println("ok")
	case "dequeue":
		v, ok, err := c.Dequeue()
		if err != nil {
			log.Fatalf("Dequeue failed: %v", err)
		}
		if !ok {
			fmt.Println("empty")
			return
		}
		fmt.Printf("value: %s\n", v)
	case "leader":
		leaderID, term, err := c.WhoisLeader()
		if err != nil {
			log.Fatalf("Leader query failed: %v", err)
		}
		fmt.Printf("leader: %d term: %d\n", leaderID, term)
	case "state":
		for id := range peerMap {
			queue, err := c.QueueSnapshot(id)
			if err != nil {
				log.Printf("Node %d state query failed: %v", id, err)
				continue
			}
			fmt.Printf("node %d queue: %v\n", id, queue)
		}
	default:
		log.Fatalf("Unknown operation: %s", op)
	}
}
