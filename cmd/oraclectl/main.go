package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/httpx"
	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/models"
	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/source"
	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/statebus"
	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/stream"
	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/telemetry"
)

// deploymentFile records the registry handle a deploy produced so later
// submit and verify runs can find it without flags.
const deploymentFile = "deployment_info.json"

type deploymentInfo struct {
	RegistryID string `json:"registry_id"`
	Owner      string `json:"owner"`
	Server     string `json:"server"`
	DeployedAt string `json:"deployed_at"`
}

// Testable variables for main()
var (
	osExit     = os.Exit
	httpClient = telemetry.InstrumentClient(&http.Client{Timeout: 30 * time.Second})
	newTailer  = func(cfg statebus.KafkaConfig) (statebus.Consumer, error) {
		return statebus.NewKafkaConsumer(cfg)
	}
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "hash":
		return hashCmd(args[1:], out)
	case "deploy":
		return deployCmd(args[1:], out)
	case "submit":
		return submitCmd(args[1:], out)
	case "verify":
		return verifyCmd(args[1:], out)
	case "get":
		return getCmd(args[1:], out)
	case "watch":
		return watchCmd(args[1:], out)
	case "tail":
		return tailCmd(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "oraclectl commands:")
	fmt.Fprintln(out, "  hash   --csv data.csv")
	fmt.Fprintln(out, "  deploy --server http://localhost:8084 --token <t> [--owner <id>]")
	fmt.Fprintln(out, "  submit --server <url> --token <t> --csv data.csv [--registry <id>] [--caller <id>]")
	fmt.Fprintln(out, "  verify --server <url> --csv data.csv [--registry <id>]")
	fmt.Fprintln(out, "  get    --server <url> --registry <id> --name AAPL --date 2023-10-25")
	fmt.Fprintln(out, "  watch  --server <url>")
	fmt.Fprintln(out, "  tail   --brokers host:9092 --topic oracle.events --group oraclectl")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func hashCmd(args []string, out io.Writer) error {
	fs := newFlagSet("hash")
	csvPath := fs.String("csv", "", "source csv file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *csvPath == "" {
		return errors.New("csv required")
	}
	records, err := source.ReadCSVFile(*csvPath)
	if err != nil {
		return err
	}
	for _, rec := range records {
		fp, err := models.RecordFingerprint(rec)
		if err != nil {
			return fmt.Errorf("%s %s: %w", rec.Name, rec.Date, err)
		}
		fmt.Fprintf(out, "%s %s %s\n", rec.Name, rec.Date, fp.Hex())
	}
	return nil
}

func deployCmd(args []string, out io.Writer) error {
	fs := newFlagSet("deploy")
	server := fs.String("server", "http://localhost:8084", "oracled base URL")
	token := fs.String("token", "", "service token")
	owner := fs.String("owner", "", "registry authority")
	infoPath := fs.String("out", deploymentFile, "deployment info output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]string{"owner": *owner})
	status, resp, err := httpx.RequestJSON(context.Background(), httpClient,
		http.MethodPost, *server+"/v1/registries", body, serviceHeaders(*token, ""), 2, time.Second)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("deploy failed: %s", apiError(status, resp))
	}
	var deployed models.DeployResponse
	if err := json.Unmarshal(resp, &deployed); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	info := deploymentInfo{
		RegistryID: deployed.RegistryID,
		Owner:      deployed.Owner,
		Server:     *server,
		DeployedAt: time.Now().UTC().Format(time.RFC3339),
	}
	raw, _ := json.MarshalIndent(info, "", "  ")
	if err := os.WriteFile(*infoPath, raw, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", *infoPath, err)
	}
	fmt.Fprintf(out, "registry %s deployed, authority %s (saved to %s)\n", deployed.RegistryID, deployed.Owner, *infoPath)
	return nil
}

func submitCmd(args []string, out io.Writer) error {
	fs := newFlagSet("submit")
	server := fs.String("server", "http://localhost:8084", "oracled base URL")
	token := fs.String("token", "", "service token")
	csvPath := fs.String("csv", "", "source csv file")
	registryID := fs.String("registry", "", "registry handle (defaults to deployment_info.json)")
	caller := fs.String("caller", "", "ledger identity to act as")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return runBatch(out, batchArgs{
		server:     *server,
		path:       "/submit",
		headers:    serviceHeaders(*token, *caller),
		csvPath:    *csvPath,
		registryID: *registryID,
	})
}

func verifyCmd(args []string, out io.Writer) error {
	fs := newFlagSet("verify")
	server := fs.String("server", "http://localhost:8084", "oracled base URL")
	csvPath := fs.String("csv", "", "source csv file")
	registryID := fs.String("registry", "", "registry handle (defaults to deployment_info.json)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return runBatch(out, batchArgs{
		server:     *server,
		path:       "/verify",
		csvPath:    *csvPath,
		registryID: *registryID,
	})
}

type batchArgs struct {
	server     string
	path       string
	headers    map[string]string
	csvPath    string
	registryID string
}

func runBatch(out io.Writer, a batchArgs) error {
	if a.csvPath == "" {
		return errors.New("csv required")
	}
	records, err := source.ReadCSVFile(a.csvPath)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return errors.New("no records in csv")
	}
	registryID := a.registryID
	if registryID == "" {
		info, err := loadDeployment()
		if err != nil {
			return err
		}
		registryID = info.RegistryID
	}
	body, _ := json.Marshal(map[string]any{"records": records})
	url := a.server + "/v1/registries/" + registryID + a.path
	status, resp, err := httpx.RequestJSON(context.Background(), httpClient,
		http.MethodPost, url, body, a.headers, 2, time.Second)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("request failed: %s", apiError(status, resp))
	}
	var res models.RunResult
	if err := json.Unmarshal(resp, &res); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	printRunResult(out, res)
	if res.Aborted {
		return fmt.Errorf("run aborted: %s", res.Error)
	}
	if res.Kind == "verify" && !res.AllMatched {
		return errors.New("verification found discrepancies")
	}
	return nil
}

func printRunResult(out io.Writer, res models.RunResult) {
	for _, rec := range res.Records {
		line := fmt.Sprintf("%-8s %s %s", rec.Outcome, rec.Name, rec.Date)
		if rec.Error != "" {
			line += " (" + rec.Error + ")"
		}
		fmt.Fprintln(out, line)
	}
	switch res.Kind {
	case "submit":
		fmt.Fprintf(out, "run %s: %d submitted, %d skipped, %d failed\n",
			res.RunID, res.Submitted, res.Skipped, res.Failed)
	case "verify":
		fmt.Fprintf(out, "run %s: %d matched, %d mismatched, %d missing, %d failed (all matched: %v)\n",
			res.RunID, res.Matched, res.Mismatched, res.Missing, res.Failed, res.AllMatched)
	}
}

func getCmd(args []string, out io.Writer) error {
	fs := newFlagSet("get")
	server := fs.String("server", "http://localhost:8084", "oracled base URL")
	registryID := fs.String("registry", "", "registry handle")
	name := fs.String("name", "", "record name")
	date := fs.String("date", "", "record date")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *registryID == "" || *name == "" || *date == "" {
		return errors.New("registry, name, date required")
	}
	url := *server + "/v1/registries/" + *registryID + "/hashes/" + *name + "/" + *date
	status, resp, err := httpx.RequestJSON(context.Background(), httpClient, http.MethodGet, url, nil, nil, 2, time.Second)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("request failed: %s", apiError(status, resp))
	}
	var hashResp models.HashResponse
	if err := json.Unmarshal(resp, &hashResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !hashResp.Present {
		fmt.Fprintf(out, "%s %s: no data submitted\n", hashResp.Name, *date)
		return nil
	}
	fmt.Fprintf(out, "%s %s %s\n", hashResp.Name, *date, hashResp.Fingerprint)
	return nil
}

func watchCmd(args []string, out io.Writer) error {
	fs := newFlagSet("watch")
	server := fs.String("server", "http://localhost:8084", "oracled base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	wsURL := strings.Replace(*server, "http", "ws", 1) + "/v1/events"
	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	for {
		var evt stream.Event
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s %s\n", evt.At, evt.Type, evt.Data)
	}
}

func tailCmd(args []string, out io.Writer) error {
	fs := newFlagSet("tail")
	brokers := fs.String("brokers", "localhost:9092", "comma separated kafka brokers")
	topic := fs.String("topic", "oracle.events", "kafka topic")
	group := fs.String("group", "oraclectl", "consumer group id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	consumer, err := newTailer(statebus.KafkaConfig{
		Brokers: strings.Split(*brokers, ","),
		Topic:   *topic,
		GroupID: *group,
	})
	if err != nil {
		return err
	}
	defer func() { _ = consumer.Close() }()
	ctx := context.Background()
	for {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s\n", msg.Key, msg.Value)
	}
}

func loadDeployment() (deploymentInfo, error) {
	var info deploymentInfo
	raw, err := os.ReadFile(deploymentFile)
	if err != nil {
		return info, fmt.Errorf("no --registry and no %s: %w", deploymentFile, err)
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return info, fmt.Errorf("decode %s: %w", deploymentFile, err)
	}
	if info.RegistryID == "" {
		return info, fmt.Errorf("%s has no registry_id", deploymentFile)
	}
	return info, nil
}

func serviceHeaders(token, caller string) map[string]string {
	headers := map[string]string{}
	if token != "" {
		headers[env("ORACLE_AUTH_HEADER", "X-Service-Token")] = token
	}
	if caller != "" {
		headers["X-Caller-Identity"] = caller
	}
	return headers
}

func apiError(status int, body []byte) string {
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error != "" {
		return fmt.Sprintf("%d %s", status, resp.Error)
	}
	return fmt.Sprintf("status %d", status)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
