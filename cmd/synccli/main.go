// Command synccli is a local administrative CLI over a sync engine store,
// adapted from the teacher's cmd/acp-cli (originally a remote put/get
// client over the cluster's gRPC surface). This engine's embedding API is
// an in-process library call, not a remote data-access RPC, so synccli
// opens the store directly rather than dialing a server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/hlcsync/syncengine"
	"github.com/hlcsync/syncengine/internal/config"
	"github.com/hlcsync/syncengine/internal/merge"
	"github.com/hlcsync/syncengine/internal/metrics"
	"github.com/hlcsync/syncengine/internal/oplogstore"
)

func usage() {
	fmt.Println("Usage:")
	fmt.Println("  synccli register <handle> <email> <password>")
	fmt.Println("  synccli login <handle> <password>")
	fmt.Println("  synccli authorize-device <user_id> <type>")
	fmt.Println("  synccli record <table> <create|update|delete> <row_key> [json_row]")
	fmt.Println("  synccli show <table> <row_key>")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	engine, err := syncengine.Open(ctx, cfg, merge.NewStructCodec("id"), zap.NewNop(), metrics.New("synccli"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	switch os.Args[1] {
	case "register":
		if len(os.Args) != 5 {
			usage()
			os.Exit(1)
		}
		userID, err := engine.RegisterUser(ctx, os.Args[2], os.Args[3], os.Args[4])
		fail(err)
		fmt.Println(userID)

	case "login":
		if len(os.Args) != 4 {
			usage()
			os.Exit(1)
		}
		userID, err := engine.Login(ctx, os.Args[2], os.Args[3])
		fail(err)
		fmt.Println(userID)

	case "authorize-device":
		if len(os.Args) != 4 {
			usage()
			os.Exit(1)
		}
		deviceID, err := engine.AuthorizeDevice(ctx, os.Args[2], os.Args[3], "")
		fail(err)
		fmt.Println(deviceID)

	case "record":
		if len(os.Args) < 5 {
			usage()
			os.Exit(1)
		}
		row := map[string]any{"id": os.Args[4]}
		if len(os.Args) == 6 {
			if err := json.Unmarshal([]byte(os.Args[5]), &row); err != nil {
				fmt.Fprintf(os.Stderr, "invalid json_row: %v\n", err)
				os.Exit(1)
			}
			row["id"] = os.Args[4]
		}
		entry, err := engine.RecordOperation(ctx, os.Args[2], oplogstore.OpType(os.Args[3]), row)
		fail(err)
		fmt.Printf("op_id=%s hlc=%s\n", entry.OpID, entry.HLC)

	case "show":
		if len(os.Args) != 4 {
			usage()
			os.Exit(1)
		}
		row, ok, err := engine.MaterializedRow(ctx, os.Args[2], os.Args[3])
		fail(err)
		if !ok {
			fmt.Println("(absent)")
			return
		}
		out, _ := json.MarshalIndent(row, "", "  ")
		fmt.Println(string(out))

	default:
		usage()
		os.Exit(1)
	}
}

func fail(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
