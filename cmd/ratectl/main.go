package main

import (
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ratecontrol/core/state"
	"ratecontrol/crypto"
	"ratecontrol/native/pid"
	"ratecontrol/native/ratebuffer"
	"ratecontrol/services/ratesd/export"
	"ratecontrol/services/ratesd/middleware"
	"ratecontrol/storage"
)

const (
	inspectCommand = "inspect"
	exportCommand  = "export"
	tokenCommand   = "token"
	defaultDataDir = "./ratecontrol-data"
	defaultSecret  = "RATES_HMAC_SECRET"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case inspectCommand:
		err = runInspect(os.Args[2:])
	case exportCommand:
		err = runExport(os.Args[2:])
	case tokenCommand:
		err = runToken(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: ratectl <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  %s  print the rate buffer and controller memory of an entity\n", inspectCommand)
	fmt.Fprintf(os.Stderr, "  %s   write an entity's rate buffer to a parquet file\n", exportCommand)
	fmt.Fprintf(os.Stderr, "  %s    mint a bearer token for a caller identity\n", tokenCommand)
	fmt.Fprintf(os.Stderr, "\nThe state store is opened exclusively; stop ratesd before inspect or export.\n")
}

func openEntity(dataDir, entity string) (*storage.LevelDB, common.Address, error) {
	id, err := crypto.ParseIdentity(entity)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("entity: %w", err)
	}
	db, err := storage.NewLevelDB(dataDir)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("open %s: %w", dataDir, err)
	}
	return db, id, nil
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet(inspectCommand, flag.ExitOnError)
	dataDir := fs.String("data", defaultDataDir, "Controller state directory")
	entity := fs.String("entity", "", "Entity identity (hex or bech32)")
	limit := fs.Int("limit", 0, "Maximum observations to print (0 prints all)")
	fs.Parse(args)

	db, id, err := openEntity(*dataDir, *entity)
	if err != nil {
		return err
	}
	defer db.Close()
	return inspect(os.Stdout, db, id, *limit)
}

// inspect prints the metadata, PID memory and observations newest first.
func inspect(w io.Writer, db storage.Database, entity common.Address, limit int) error {
	backend := state.NewManager(db)
	buffer := ratebuffer.NewStore(backend)
	meta, ok, err := buffer.Metadata(entity)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(w, "%s: uninitialized\n", crypto.FormatIdentity(entity))
		return nil
	}
	fmt.Fprintf(w, "entity:   %s (%s)\n", crypto.FormatIdentity(entity), strings.ToLower(entity.Hex()))
	fmt.Fprintf(w, "paused:   %t\n", meta.Paused)
	fmt.Fprintf(w, "capacity: %d\n", meta.Capacity)
	fmt.Fprintf(w, "count:    %d\n", meta.Length)

	memory, seeded, err := pid.NewStore(backend).Get(entity)
	if err != nil {
		return err
	}
	if seeded {
		fmt.Fprintf(w, "i_term:   %s\n", pid.FormatFixed(memory.ITerm))
		fmt.Fprintf(w, "last_err: %s\n", pid.FormatFixed(memory.LastError))
	}

	amount := int(meta.Length)
	if limit > 0 && limit < amount {
		amount = limit
	}
	rates, err := buffer.Range(entity, amount, 0, 1)
	if err != nil {
		return err
	}
	if len(rates) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tTARGET\tCURRENT\tTIME")
	for i, rate := range rates {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i,
			pid.FormatFixed(new(big.Int).SetUint64(rate.Target)),
			pid.FormatFixed(new(big.Int).SetUint64(rate.Current)),
			time.Unix(int64(rate.Timestamp), 0).UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

func runExport(args []string) error {
	fs := flag.NewFlagSet(exportCommand, flag.ExitOnError)
	dataDir := fs.String("data", defaultDataDir, "Controller state directory")
	entity := fs.String("entity", "", "Entity identity (hex or bech32)")
	out := fs.String("out", "", "Output parquet file (defaults to <entity>.parquet)")
	fs.Parse(args)

	db, id, err := openEntity(*dataDir, *entity)
	if err != nil {
		return err
	}
	defer db.Close()
	path := strings.TrimSpace(*out)
	if path == "" {
		path = strings.ToLower(id.Hex()) + ".parquet"
	}
	n, err := exportRates(db, id, path)
	if err != nil {
		return err
	}
	fmt.Printf("Wrote %d observations to %s\n", n, path)
	return nil
}

func exportRates(db storage.Database, entity common.Address, path string) (int, error) {
	buffer := ratebuffer.NewStore(state.NewManager(db))
	count, err := buffer.Count(entity)
	if err != nil {
		return 0, err
	}
	rates, err := buffer.Range(entity, int(count), 0, 1)
	if err != nil {
		return 0, err
	}
	if err := export.WriteRatesFile(path, entity, rates); err != nil {
		return 0, err
	}
	return len(rates), nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet(tokenCommand, flag.ExitOnError)
	subject := fs.String("subject", "", "Caller identity carried in the sub claim")
	origin := fs.String("origin", "", "Optional originating identity for relayed calls")
	issuer := fs.String("issuer", "", "Token issuer")
	audience := fs.String("audience", "", "Token audience")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	secretEnv := fs.String("secret-env", defaultSecret, "Environment variable holding the HMAC secret")
	fs.Parse(args)

	token, err := mintToken(os.Getenv(*secretEnv), *subject, *origin, *issuer, *audience, *ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func mintToken(secret, subject, origin, issuer, audience string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", fmt.Errorf("hmac secret is empty")
	}
	sub, err := crypto.ParseIdentity(subject)
	if err != nil {
		return "", fmt.Errorf("subject: %w", err)
	}
	var orig common.Address
	if strings.TrimSpace(origin) != "" {
		if orig, err = crypto.ParseIdentity(origin); err != nil {
			return "", fmt.Errorf("origin: %w", err)
		}
	}
	return middleware.IssueToken(secret, sub, orig, issuer, audience, ttl, now)
}
