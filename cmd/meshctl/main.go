// meshctl is a thin HTTP client for the meshd admin API.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	addr := flag.String("addr", "http://localhost:9400", "meshd admin address")
	timeout := flag.Duration("timeout", 5*time.Second, "request timeout")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	client := &client{
		base: strings.TrimRight(*addr, "/"),
		http: &http.Client{Timeout: *timeout},
	}

	var err error
	switch args[0] {
	case "status":
		err = client.get("/status")
	case "nodes":
		err = client.get("/nodes")
	case "node":
		err = withArg(args, 1, "node <node_id>", func(nodeID string) error {
			return client.get("/nodes/" + nodeID)
		})
	case "rejoin":
		err = withArg(args, 1, "rejoin <node_id>", func(nodeID string) error {
			return client.post("/nodes/"+nodeID+"/rejoin", nil)
		})
	case "telemetry":
		err = client.get("/telemetry?events=20")
	case "read":
		err = withArg(args, 1, "read <path> [version]", func(path string) error {
			target := "/files/" + path
			if len(args) > 2 {
				target += "?version=" + args[2]
			}
			return client.get(target)
		})
	case "history":
		err = withArg(args, 1, "history <path> [depth]", func(path string) error {
			target := "/files/" + path + "?history=0"
			if len(args) > 2 {
				target = "/files/" + path + "?history=" + args[2]
			}
			return client.get(target)
		})
	case "propose":
		if len(args) < 4 {
			err = fmt.Errorf("usage: propose <path> <parent_version> <content>")
			break
		}
		err = client.post("/files", map[string]any{
			"path":           args[1],
			"parent_version": mustUint(args[2]),
			"content":        strings.Join(args[3:], " "),
		})
	case "submit":
		err = withArg(args, 1, "submit <task_kind>", func(taskKind string) error {
			return client.post("/submit", map[string]any{"task_kind": taskKind})
		})
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: meshctl [-addr URL] <command>")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                               mesh lifecycle and stats")
	fmt.Fprintln(os.Stderr, "  nodes                                list membership")
	fmt.Fprintln(os.Stderr, "  node <node_id>                       one node's view")
	fmt.Fprintln(os.Stderr, "  rejoin <node_id>                     run the rejoin handshake")
	fmt.Fprintln(os.Stderr, "  telemetry                            snapshot, stats, recent events")
	fmt.Fprintln(os.Stderr, "  read <path> [version]                read a file record")
	fmt.Fprintln(os.Stderr, "  history <path> [depth]               retained versions, newest first")
	fmt.Fprintln(os.Stderr, "  propose <path> <parent> <content>    propose the next version")
	fmt.Fprintln(os.Stderr, "  submit <task_kind>                   route an execution request")
}

type client struct {
	base string
	http *http.Client
}

func (c *client) get(path string) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	return render(resp)
}

func (c *client) post(path string, body map[string]any) error {
	payload := []byte("{}")
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = encoded
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return render(resp)
}

func render(resp *http.Response) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		pretty.Write(body)
	}
	fmt.Println(pretty.String())
	if resp.StatusCode >= 400 {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	return nil
}

func withArg(args []string, index int, usage string, fn func(string) error) error {
	if len(args) <= index {
		return fmt.Errorf("usage: %s", usage)
	}
	return fn(args[index])
}

func mustUint(raw string) uint64 {
	var v uint64
	fmt.Sscanf(raw, "%d", &v)
	return v
}
