// Command loadsharectl is an operator CLI for the diagnostic/management API:
// list, add, and remove peers, trigger discovery, and print group status
// against a running loadshared node.
//
// Flag parsing follows the same spf13/pflag convention as cmd/loadshared;
// JSON request/response handling follows the same encode/decode idiom as
// the server side in internal/api, applied here on the client.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "loadsharectl:", err)
		os.Exit(1)
	}
}

func run() error {
	addr := pflag.String("addr", "http://127.0.0.1:8080", "base URL of the loadshared diagnostic API")
	pflag.Parse()

	args := pflag.Args()
	if len(args) == 0 {
		return fmt.Errorf("usage: loadsharectl [--addr URL] <peers|add HOST|remove HOST|discover|status>")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	base := strings.TrimRight(*addr, "/")

	switch args[0] {
	case "peers":
		return doGet(client, base+"/loadsharing/peers")
	case "add":
		if len(args) < 2 {
			return fmt.Errorf("usage: loadsharectl add HOST")
		}

		return doPost(client, base+"/loadsharing/peers", map[string]string{"host": args[1]})
	case "remove":
		if len(args) < 2 {
			return fmt.Errorf("usage: loadsharectl remove HOST")
		}

		return doDelete(client, base+"/loadsharing/peers/"+args[1])
	case "discover":
		return doPost(client, base+"/loadsharing/discover", nil)
	case "status":
		return doGet(client, base+"/loadsharing/status")
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func doGet(client *http.Client, url string) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}

	return printResponse(resp)
}

func doPost(client *http.Client, url string, body interface{}) error {
	var payload io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}

		payload = strings.NewReader(string(data))
	}

	resp, err := client.Post(url, "application/json", payload)
	if err != nil {
		return fmt.Errorf("POST %s: %w", url, err)
	}

	return printResponse(resp)
}

func doDelete(client *http.Client, url string) error {
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("build DELETE request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("DELETE %s: %w", url, err)
	}

	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var pretty interface{}
	if err := json.Unmarshal(data, &pretty); err == nil {
		indented, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(indented))
	} else {
		fmt.Println(string(data))
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed: %s", resp.Status)
	}

	return nil
}
