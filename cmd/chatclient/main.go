// Command chatclient is the external collaborator's interactive shell:
// a thin REPL over pkg/client that demonstrates create/login/delete/
// list/send/logs, plus the out-of-band fallover command tests use to
// gracefully crash the current primary. Input validation and console
// formatting are deliberately minimal; the core neither needs nor
// trusts them.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/adred-codev/chatcluster/internal/cluster"
	"github.com/adred-codev/chatcluster/internal/wire"
	"github.com/adred-codev/chatcluster/pkg/client"
)

func main() {
	clusterFile := flag.String("cluster-file", "", "path to the static cluster table")
	pidDir := flag.String("pid-dir", "", "directory holding <replica>.pid files, required for fallover")
	flag.Parse()

	if *clusterFile == "" {
		fmt.Fprintln(os.Stderr, "chatclient: -cluster-file is required")
		os.Exit(1)
	}

	topo, err := cluster.Load(*clusterFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatclient: %v\n", err)
		os.Exit(1)
	}

	conn := client.New(topo, 2*time.Second)
	if err := conn.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "chatclient: %v\n", err)
		os.Exit(1)
	}

	var currentUser string
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("chatclient ready. commands: create|login|delete <user>, list [wildcard] [page], send <recipient> <text...>, logs [wildcard] [page], fallover <replica>, quit")

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "quit", "exit":
			return

		case "fallover":
			if len(fields) != 2 {
				fmt.Println("usage: fallover <replica>")
				continue
			}
			if err := fallover(*pidDir, fields[1]); err != nil {
				fmt.Println("fallover error:", err)
			}

		case "create", "login", "delete":
			if len(fields) != 2 {
				fmt.Println("usage:", fields[0], "<user>")
				continue
			}
			currentUser = fields[1]
			op := wire.Op{UserID: fields[1], Kind: wire.OpKind(fields[0])}
			printResponse(conn.SendRequest(op))

		case "list", "logs":
			wildcard, page := "", 0
			if len(fields) >= 2 {
				wildcard = fields[1]
			}
			if len(fields) >= 3 {
				page, _ = strconv.Atoi(fields[2])
			}
			kind := wire.OpList
			if fields[0] == "logs" {
				kind = wire.OpLogs
			}
			op := wire.Op{UserID: currentUser, Kind: kind, Wildcard: wildcard, Page: page}
			printResponse(conn.SendRequest(op))

		case "send":
			if len(fields) < 3 {
				fmt.Println("usage: send <recipient> <text...>")
				continue
			}
			op := wire.Op{UserID: currentUser, Kind: wire.OpSend, RecipientID: fields[1], Text: strings.Join(fields[2:], " ")}
			printResponse(conn.SendRequest(op))

		default:
			fmt.Println("unrecognized command:", fields[0])
		}
	}
}

func printResponse(resp wire.Response, err error) {
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	if !resp.OK {
		fmt.Println("failed:", resp.Error)
		return
	}
	switch resp.Kind {
	case wire.RespList:
		fmt.Println("accounts:", strings.Join(resp.Accounts, ", "))
	case wire.RespLogs:
		for _, c := range resp.Messages {
			fmt.Printf("%s -> %s: %s\n", c.Author, c.Recipient, c.Text)
		}
	default:
		fmt.Println("ok")
	}
}

// fallover sends SIGTERM to the named replica's recorded process,
// exercising the same graceful-shutdown path a real deploy's signal
// would. It is out-of-band tooling, not a wire operation: the core
// protocol has no remote-kill request, by design.
func fallover(pidDir, replicaName string) error {
	if pidDir == "" {
		return fmt.Errorf("-pid-dir was not given")
	}
	raw, err := os.ReadFile(pidDir + "/" + replicaName + ".pid")
	if err != nil {
		return err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("malformed pid file: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}
