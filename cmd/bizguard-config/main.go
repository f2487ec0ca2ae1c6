package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/bizguard"
	"github.com/oarkflow/bizguard/logger"
	"github.com/oarkflow/bizguard/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "check":
		handleCheck()
	case "apply":
		handleApply()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("bizguard-config - Policy document tool for bizguard")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  bizguard-config convert <input> <output>      - Convert between formats")
	fmt.Println("  bizguard-config validate <file>               - Validate policies and report conflicts")
	fmt.Println("  bizguard-config stats <file>                  - Show document statistics")
	fmt.Println("  bizguard-config check <file> key=value...     - Evaluate one request against the document")
	fmt.Println("  bizguard-config apply <file> <sqlite-db>      - Store the policies in a SQLite database")
	fmt.Println()
	fmt.Println("check keys: tenant subject role category action [resource_tenant sensitivity amount ip at]")
	fmt.Println("Supported formats: .yaml, .yml, .json, .msgpack")
}

func fail(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}

func handleConvert() {
	if len(os.Args) < 4 {
		fail("Usage: bizguard-config convert <input> <output>")
	}
	inputFile := os.Args[2]
	outputFile := os.Args[3]

	doc, err := bizguard.LoadDocumentFile(inputFile)
	if err != nil {
		fail("Error loading document: %v", err)
	}
	if _, err := doc.ParsePolicies(); err != nil {
		fail("Refusing to convert invalid document: %v", err)
	}
	if err := bizguard.SaveDocumentFile(doc, outputFile); err != nil {
		fail("Error saving document: %v", err)
	}

	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)
	inStat, _ := os.Stat(inputFile)
	outStat, _ := os.Stat(outputFile)
	if inStat != nil && outStat != nil && inStat.Size() > 0 {
		reduction := (1 - float64(outStat.Size())/float64(inStat.Size())) * 100
		if reduction > 0 {
			fmt.Printf("Size reduced by %.1f%% (%d -> %d bytes)\n", reduction, inStat.Size(), outStat.Size())
		} else {
			fmt.Printf("Size increased by %.1f%% (%d -> %d bytes)\n", -reduction, inStat.Size(), outStat.Size())
		}
	}
}

func handleValidate() {
	if len(os.Args) < 3 {
		fail("Usage: bizguard-config validate <file>")
	}
	doc, err := bizguard.LoadDocumentFile(os.Args[2])
	if err != nil {
		fail("Invalid document: %v", err)
	}
	if err := doc.Engine.Config().Validate(); err != nil {
		fail("Invalid engine settings: %v", err)
	}
	policies, err := doc.ParsePolicies()
	if err != nil {
		fail("Invalid document: %v", err)
	}
	store := bizguard.NewMemoryPolicyStore()
	for _, p := range policies {
		if err := store.Register(context.Background(), p); err != nil {
			fail("Invalid document: %v", err)
		}
	}

	fmt.Printf("Document is valid\n")
	fmt.Printf("  Version: %d\n", doc.Version)
	fmt.Printf("  Policies: %d\n", store.Len())
	conflicts := store.Validate()
	if len(conflicts) == 0 {
		fmt.Printf("  Conflicts: none\n")
		return
	}
	fmt.Printf("  Conflicts: %d (deny wins at runtime)\n", len(conflicts))
	for _, c := range conflicts {
		fmt.Printf("    [%s] allow=%s deny=%s priority=%d: %s\n", c.Category, c.AllowPolicyID, c.DenyPolicyID, c.Priority, c.Reason)
	}
}

func handleStats() {
	if len(os.Args) < 3 {
		fail("Usage: bizguard-config stats <file>")
	}
	filename := os.Args[2]
	doc, err := bizguard.LoadDocumentFile(filename)
	if err != nil {
		fail("Error loading document: %v", err)
	}
	policies, err := doc.ParsePolicies()
	if err != nil {
		fail("Error parsing policies: %v", err)
	}

	stat, _ := os.Stat(filename)
	fmt.Println("Policy Document Statistics")
	fmt.Println("==========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", doc.Version)
	fmt.Println()

	allowCount, denyCount, conditional, global := 0, 0, 0, 0
	categories := map[string]int{}
	for _, p := range policies {
		if p.Effect == bizguard.EffectAllow {
			allowCount++
		} else {
			denyCount++
		}
		if p.Condition != nil {
			conditional++
		}
		if p.TenantID == "" {
			global++
		}
		categories[p.Category]++
	}
	fmt.Println("Policy Details:")
	fmt.Printf("  Allow policies:       %d\n", allowCount)
	fmt.Printf("  Deny policies:        %d\n", denyCount)
	fmt.Printf("  Conditional policies: %d\n", conditional)
	fmt.Printf("  Global policies:      %d\n", global)
	fmt.Printf("  Categories:           %d\n", len(categories))
	fmt.Println()

	cfg := doc.Engine.Config()
	fmt.Println("Engine Configuration:")
	fmt.Printf("  Default deny:          %t\n", cfg.DefaultDeny)
	fmt.Printf("  Audit queue capacity:  %d\n", cfg.AuditQueueCapacity)
	fmt.Printf("  Audit sink timeout:    %s\n", cfg.AuditSinkTimeout)
	fmt.Printf("  Clock skew tolerance:  %s\n", cfg.ConditionClockSkewTolerance)
	fmt.Printf("  Batch worker count:    %d\n", cfg.BatchWorkers)
}

// parseArgs reads key=value pairs.
func parseArgs(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", a)
		}
		out[strings.ToLower(k)] = v
	}
	return out, nil
}

func handleCheck() {
	if len(os.Args) < 3 {
		fail("Usage: bizguard-config check <file> tenant=T subject=S role=R category=C action=A")
	}
	args, err := parseArgs(os.Args[3:])
	if err != nil {
		fail("%v", err)
	}
	for _, k := range []string{"tenant", "subject", "role", "category", "action"} {
		if args[k] == "" {
			fail("missing %s=", k)
		}
	}
	doc, err := bizguard.LoadDocumentFile(os.Args[2])
	if err != nil {
		fail("Error loading document: %v", err)
	}

	ctx := context.Background()
	log := logger.NewPhusluLogger("bizguard-config")
	store := bizguard.NewMemoryPolicyStore(bizguard.WithStoreLogger(log))
	conflicts, err := bizguard.LoadPolicies(ctx, store, doc)
	if err != nil {
		fail("Error loading policies: %v", err)
	}
	for _, c := range conflicts {
		log.Info("policy conflict", "category", c.Category, "allow", c.AllowPolicyID, "deny", c.DenyPolicyID)
	}

	engine, err := bizguard.NewEngine(store,
		bizguard.WithConfig(doc.Engine.Config()),
		bizguard.WithLogger(log),
	)
	if err != nil {
		fail("Error creating engine: %v", err)
	}

	req := &bizguard.ExplainRequest{
		Tenant:         args["tenant"],
		SubjectID:      args["subject"],
		Role:           args["role"],
		Action:         args["action"],
		Resource:       args["category"] + ":cli",
		ResourceTenant: args["resource_tenant"],
		Sensitivity:    args["sensitivity"],
		IP:             args["ip"],
	}
	if v := args["amount"]; v != "" {
		amount, err := strconv.ParseFloat(v, 64)
		if err != nil {
			fail("invalid amount %q", v)
		}
		req.Amount = &amount
	}
	if v := args["at"]; v != "" {
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			fail("invalid at %q: %v", v, err)
		}
		req.At = at
	}

	decision, err := engine.ExplainRequest(ctx, req)
	if err != nil {
		fail("Evaluation failed: %v", err)
	}
	_ = engine.Close(ctx)
	out, _ := json.MarshalIndent(decision, "", "  ")
	fmt.Println(string(out))
	if !decision.Granted {
		os.Exit(2)
	}
}

func handleApply() {
	if len(os.Args) < 4 {
		fail("Usage: bizguard-config apply <file> <sqlite-db>")
	}
	doc, err := bizguard.LoadDocumentFile(os.Args[2])
	if err != nil {
		fail("Error loading document: %v", err)
	}
	sqlDB, err := sql.Open("sqlite", os.Args[3])
	if err != nil {
		fail("Error opening database: %v", err)
	}
	defer sqlDB.Close()
	db := squealx.NewDb(sqlDB, "sqlite", "bizguard")

	ctx := context.Background()
	if err := stores.Migrate(ctx, db); err != nil {
		fail("Error migrating database: %v", err)
	}
	store := bizguard.NewMemoryPolicyStore(bizguard.WithRepository(stores.NewSQLPolicyRepository(db)))
	if err := store.Hydrate(ctx); err != nil {
		fail("Error reading stored policies: %v", err)
	}
	conflicts, err := bizguard.LoadPolicies(ctx, store, doc)
	if err != nil {
		fail("Error applying document: %v", err)
	}
	fmt.Printf("Document applied successfully\n")
	fmt.Printf("  Policies stored: %d\n", store.Len())
	fmt.Printf("  Conflicts: %d\n", len(conflicts))
}
