package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/matiasleandrokruk/enact/internal/api"
	"github.com/matiasleandrokruk/enact/internal/domain/execution"
	"github.com/matiasleandrokruk/enact/internal/domain/orchestrator"
	"github.com/matiasleandrokruk/enact/internal/domain/safety"
	"github.com/matiasleandrokruk/enact/internal/domain/signing"
	"github.com/matiasleandrokruk/enact/internal/domain/tool"
	"github.com/matiasleandrokruk/enact/internal/infra/eventbus"
	"github.com/matiasleandrokruk/enact/internal/infra/logging"
	"github.com/matiasleandrokruk/enact/internal/infra/metrics"
	"github.com/matiasleandrokruk/enact/internal/server"
	pkgauth "github.com/matiasleandrokruk/enact/pkg/auth"
)

const envToken = "ENACT_TOKEN"

func newFlagSet(name string, errOut io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("enact "+name, flag.ContinueOnError)
	fs.SetOutput(errOut)
	return fs
}

func fail(errOut io.Writer, err error) int {
	fmt.Fprintf(errOut, "enact: %v\n", err) //nolint:errcheck
	return 1
}

func usage(errOut io.Writer, line string) int {
	fmt.Fprintf(errOut, "usage: enact %s\n", line) //nolint:errcheck
	return 2
}

func printJSON(out io.Writer, v any) {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// ===== validate =====

type validateReport struct {
	Valid        bool            `json:"valid"`
	Name         string          `json:"name"`
	Version      string          `json:"version,omitempty"`
	Checksum     string          `json:"checksum"`
	Violations   []string        `json:"violations,omitempty"`
	Safety       safety.Result   `json:"safety"`
	Verification *signing.Result `json:"verification,omitempty"`
}

func cmdValidate(ctx context.Context, args []string, out, errOut io.Writer) int {
	fs := newFlagSet("validate", errOut)
	polName := fs.String("policy", "", "Also verify signatures under this policy")
	asJSON := fs.Bool("json", false, "Print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		return usage(errOut, "validate [--policy name] [--json] <file>")
	}

	def, err := tool.LoadFile(fs.Arg(0))
	if err != nil {
		return fail(errOut, err)
	}
	rep := validateReport{
		Valid:    true,
		Name:     def.Name,
		Version:  def.Version,
		Checksum: def.Checksum,
		Safety:   safety.Analyze(def.Command, def.Annotations),
	}
	if err := tool.Validate(def); err != nil {
		rep.Valid = false
		var verr *tool.ValidationError
		if errors.As(err, &verr) {
			rep.Violations = verr.Violations
		} else {
			rep.Violations = []string{err.Error()}
		}
	}

	if *polName != "" {
		cfg, err := loadConfig()
		if err != nil {
			return fail(errOut, err)
		}
		catalog, err := policyCatalog(cfg)
		if err != nil {
			return fail(errOut, err)
		}
		pol, err := catalog.Lookup(*polName)
		if err != nil {
			return fail(errOut, err)
		}
		logger := logging.InitWriter(errOut, "enact", cfg.LogLevel, cfg.LogFormat)
		res, err := signing.NewEngine(signing.NewDirKeyring(cfg.TrustedKeysDir), logger).Verify(ctx, def, pol)
		if err != nil {
			return fail(errOut, err)
		}
		rep.Verification = &res
	}

	ok := rep.Valid && rep.Safety.IsSafe && (rep.Verification == nil || rep.Verification.IsValid)
	if *asJSON {
		printJSON(out, rep)
	} else {
		printValidateReport(out, rep)
	}
	if !ok {
		return 1
	}
	return 0
}

func printValidateReport(out io.Writer, rep validateReport) {
	status := "ok"
	if !rep.Valid {
		status = "invalid"
	}
	fmt.Fprintf(out, "%s %s@%s %s\n", status, rep.Name, rep.Version, rep.Checksum) //nolint:errcheck
	for _, v := range rep.Violations {
		fmt.Fprintf(out, "  violation: %s\n", v) //nolint:errcheck
	}
	for _, b := range rep.Safety.Blocked {
		fmt.Fprintf(out, "  blocked: %s\n", b) //nolint:errcheck
	}
	for _, w := range rep.Safety.Warnings {
		fmt.Fprintf(out, "  warning: %s\n", w) //nolint:errcheck
	}
	if v := rep.Verification; v != nil {
		fmt.Fprintf(out, "  signatures: %d/%d valid under %s policy\n", v.ValidSignatureCount, v.TotalSignatureCount, v.Policy) //nolint:errcheck
		for _, e := range v.Errors {
			fmt.Fprintf(out, "  signature: %s\n", e) //nolint:errcheck
		}
	}
}

// ===== run =====

func cmdRun(ctx context.Context, args []string, out, errOut io.Writer) int {
	fs := newFlagSet("run", errOut)
	toolVersion := fs.String("tool-version", "", "Registry version to run (default latest)")
	polName := fs.String("policy", "", "Verification policy (default from config)")
	dryRun := fs.Bool("dry-run", false, "Resolve everything and print the command without running it")
	force := fs.Bool("force", false, "Run even when the command is flagged unsafe")
	skipVerify := fs.Bool("skip-verify", false, "Skip signature verification")
	timeout := fs.Duration("timeout", 0, "Override the tool timeout")
	inputsJSON := fs.String("inputs", "", "Inputs as a JSON object; key=value arguments override it")
	asJSON := fs.Bool("json", false, "Print the full result as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		return usage(errOut, "run [flags] <file|name> [key=value ...]")
	}
	inputs, err := parseInputs(*inputsJSON, fs.Args()[1:])
	if err != nil {
		return fail(errOut, err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fail(errOut, err)
	}
	a, err := newApp(ctx, cfg, errOut)
	if err != nil {
		return fail(errOut, err)
	}
	defer a.close(ctx) //nolint:errcheck

	req := orchestrator.Request{
		Actor:            currentActor(),
		Inputs:           inputs,
		Policy:           *polName,
		DryRun:           *dryRun,
		Force:            *force,
		SkipVerification: *skipVerify,
		Timeout:          *timeout,
	}
	if target := fs.Arg(0); isFile(target) {
		req.Path = target
	} else {
		req.ToolName = target
		req.Version = *toolVersion
	}

	res := a.orch.Execute(ctx, req)
	if *asJSON {
		printJSON(out, res)
	} else {
		printResult(out, errOut, res)
	}
	return exitCode(res)
}

// parseInputs merges a JSON object with key=value pairs. Scalar values are
// typed the way YAML reads them, so n=3 is a number and ok=true a bool.
func parseInputs(raw string, pairs []string) (map[string]any, error) {
	inputs := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &inputs); err != nil {
			return nil, fmt.Errorf("--inputs must be a JSON object: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("input %q must be key=value", pair)
		}
		inputs[key] = scalar(value)
	}
	return inputs, nil
}

func scalar(s string) any {
	var v any
	if s == "" || yaml.Unmarshal([]byte(s), &v) != nil {
		return s
	}
	switch v.(type) {
	case bool, int, int64, uint64, float64:
		return v
	default:
		return s
	}
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func currentActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

func printResult(out, errOut io.Writer, res *orchestrator.Result) {
	for _, w := range res.Warnings {
		fmt.Fprintf(errOut, "warning: %s\n", w) //nolint:errcheck
	}
	if p := res.Preview; p != nil {
		fmt.Fprintf(out, "would run: %s\n", p.Command) //nolint:errcheck
		for name, value := range p.Environment {
			fmt.Fprintf(out, "  %s=%s (%s)\n", name, value, p.Sources[name]) //nolint:errcheck
		}
	}
	if o := res.Output; o != nil {
		fmt.Fprint(out, o.Stdout)    //nolint:errcheck
		fmt.Fprint(errOut, o.Stderr) //nolint:errcheck
	}
	if e := res.Error; e != nil {
		fmt.Fprintf(errOut, "error [%s]: %s\n", e.Code, e.Message) //nolint:errcheck
	}
}

// exitCode passes a tool's own non-zero exit status through.
func exitCode(res *orchestrator.Result) int {
	if res.Success {
		return 0
	}
	if res.Output != nil && res.Output.ExitCode > 0 {
		return res.Output.ExitCode
	}
	return 1
}

// ===== sign / keygen =====

func cmdSign(_ context.Context, args []string, out, errOut io.Writer) int {
	fs := newFlagSet("sign", errOut)
	keyPath := fs.String("key", "", "OpenSSH private key file")
	signer := fs.String("signer", "", "Signer name; trusted keys are looked up as <signer>.pub")
	role := fs.String("role", string(tool.RoleAuthor), "Signer role: author, reviewer or approver")
	output := fs.String("o", "", "Write the signed definition here instead of in place; - for stdout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 || *keyPath == "" || *signer == "" {
		return usage(errOut, "sign --key <file> --signer <name> [--role author] [-o out] <file>")
	}
	r := tool.Role(*role)
	switch r {
	case tool.RoleAuthor, tool.RoleReviewer, tool.RoleApprover:
	default:
		return fail(errOut, fmt.Errorf("unknown role %q", *role))
	}

	keyData, err := os.ReadFile(*keyPath)
	if err != nil {
		return fail(errOut, err)
	}
	sshSigner, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return fail(errOut, fmt.Errorf("read key %s: %w", *keyPath, err))
	}

	path := fs.Arg(0)
	raw, err := os.ReadFile(path)
	if err != nil {
		return fail(errOut, err)
	}
	def, err := tool.ParseYAML(raw)
	if err != nil {
		return fail(errOut, err)
	}
	sig, err := signing.SignSSH(def, *signer, r, sshSigner)
	if err != nil {
		return fail(errOut, err)
	}
	signed, err := tool.AppendSignature(raw, sig)
	if err != nil {
		return fail(errOut, err)
	}

	switch dst := *output; dst {
	case "-":
		_, err = out.Write(signed)
	case "":
		err = os.WriteFile(path, signed, 0o644)
	default:
		err = os.WriteFile(dst, signed, 0o644)
	}
	if err != nil {
		return fail(errOut, err)
	}
	if *output != "-" {
		fmt.Fprintf(out, "signed %s@%s as %s (%s)\n", def.Name, def.Version, sig.Signer, sig.KeyID) //nolint:errcheck
	}
	return 0
}

func cmdKeygen(_ context.Context, args []string, out, errOut io.Writer) int {
	fs := newFlagSet("keygen", errOut)
	signer := fs.String("signer", "", "Signer name, used for the key file names")
	dir := fs.String("dir", "", "Directory for the key pair (default <home>/keys)")
	trust := fs.Bool("trust", false, "Also install the public key in the trusted keys directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *signer == "" || strings.ContainsAny(*signer, `/\`) {
		return usage(errOut, "keygen --signer <name> [--dir path] [--trust]")
	}
	cfg, err := loadConfig()
	if err != nil {
		return fail(errOut, err)
	}
	if *dir == "" {
		*dir = filepath.Join(cfg.Home, "keys")
	}

	fingerprint, err := writeKeyPair(*dir, *signer)
	if err != nil {
		return fail(errOut, err)
	}
	fmt.Fprintf(out, "wrote %s and %s.pub\nkey id %s\n", filepath.Join(*dir, *signer), filepath.Join(*dir, *signer), fingerprint) //nolint:errcheck

	if *trust {
		pub, err := os.ReadFile(filepath.Join(*dir, *signer+".pub"))
		if err != nil {
			return fail(errOut, err)
		}
		if err := appendTrustedKey(cfg.TrustedKeysDir, *signer, pub); err != nil {
			return fail(errOut, err)
		}
		fmt.Fprintf(out, "trusted in %s\n", cfg.TrustedKeysDir) //nolint:errcheck
	}
	return 0
}

// writeKeyPair creates <dir>/<signer> and <dir>/<signer>.pub and returns the
// key id. Existing keys are never overwritten.
func writeKeyPair(dir, signer string) (string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", err
	}
	block, err := ssh.MarshalPrivateKey(priv, signer)
	if err != nil {
		return "", err
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + " " + signer + "\n"

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	privPath := filepath.Join(dir, signer)
	if err := writeNew(privPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return "", err
	}
	if err := writeNew(privPath+".pub", []byte(line), 0o644); err != nil {
		return "", err
	}
	return ssh.FingerprintSHA256(sshPub), nil
}

func writeNew(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func appendTrustedKey(dir, signer string, line []byte) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, signer+".pub"), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ===== env =====

func cmdEnv(ctx context.Context, args []string, out, errOut io.Writer) int {
	const line = "env set <namespace> <NAME> <value|->  |  env list <namespace>  |  env delete <namespace> <NAME>"
	if len(args) < 2 {
		return usage(errOut, line)
	}
	sub, ns := args[0], args[1]

	cfg, err := loadConfig()
	if err != nil {
		return fail(errOut, err)
	}
	a, err := newApp(ctx, cfg, errOut)
	if err != nil {
		return fail(errOut, err)
	}
	defer a.closeStore() //nolint:errcheck

	switch {
	case sub == "set" && len(args) == 4:
		value := args[3]
		if value == "-" {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fail(errOut, err)
			}
			value = strings.TrimRight(string(b), "\r\n")
		}
		if err := a.envStore.Set(ctx, ns, args[2], value); err != nil {
			return fail(errOut, err)
		}
		fmt.Fprintf(out, "set %s in %s\n", args[2], ns) //nolint:errcheck
	case sub == "list" && len(args) == 2:
		entries, err := a.envStore.List(ctx, ns)
		if err != nil {
			return fail(errOut, err)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tVALUE\tUPDATED") //nolint:errcheck
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Name, e.Masked, e.UpdatedAt.Format(time.RFC3339)) //nolint:errcheck
		}
		_ = tw.Flush()
	case sub == "delete" && len(args) == 3:
		if err := a.envStore.Delete(ctx, ns, args[2]); err != nil {
			return fail(errOut, err)
		}
		fmt.Fprintf(out, "deleted %s from %s\n", args[2], ns) //nolint:errcheck
	default:
		return usage(errOut, line)
	}
	return 0
}

// ===== registry =====

func cmdPublish(ctx context.Context, args []string, out, errOut io.Writer) int {
	fs := newFlagSet("publish", errOut)
	token := fs.String("token", os.Getenv(envToken), "Publish token (default $"+envToken+")")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		return usage(errOut, "publish [--token t] <file>")
	}
	if !pkgauth.Configured() {
		return fail(errOut, errors.New("ENACT_JWT_SECRET is not set"))
	}
	def, err := tool.LoadFile(fs.Arg(0))
	if err != nil {
		return fail(errOut, err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fail(errOut, err)
	}
	a, err := newApp(ctx, cfg, errOut)
	if err != nil {
		return fail(errOut, err)
	}
	defer a.closeStore() //nolint:errcheck

	summary, err := a.registry.Publish(ctx, def, *token)
	if err != nil {
		return fail(errOut, err)
	}
	a.bus.Publish(eventbus.TopicToolPublished, *summary)
	printJSON(out, summary)
	return 0
}

func cmdSearch(ctx context.Context, args []string, out, errOut io.Writer) int {
	fs := newFlagSet("search", errOut)
	limit := fs.Int("limit", 20, "Maximum results")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig()
	if err != nil {
		return fail(errOut, err)
	}
	a, err := newApp(ctx, cfg, errOut)
	if err != nil {
		return fail(errOut, err)
	}
	defer a.closeStore() //nolint:errcheck

	results, degraded, err := tool.SearchWithFallback(ctx, a.registry, strings.Join(fs.Args(), " "), *limit)
	if err != nil {
		return fail(errOut, err)
	}
	if degraded {
		fmt.Fprintln(errOut, "warning: search unavailable, showing filtered listing") //nolint:errcheck
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tDESCRIPTION") //nolint:errcheck
	for _, s := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, s.Version, s.Description) //nolint:errcheck
	}
	_ = tw.Flush()
	return 0
}

// ===== token / serve =====

func cmdToken(_ context.Context, args []string, out, errOut io.Writer) int {
	fs := newFlagSet("token", errOut)
	userID := fs.String("user", currentActor(), "Token subject")
	scopes := fs.String("scope", strings.Join([]string{pkgauth.ScopeExecute, pkgauth.ScopePublish, pkgauth.ScopeAudit}, ","), "Comma-separated scopes")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *userID == "" {
		return usage(errOut, "token --user <id> [--scope a,b]")
	}
	if !pkgauth.Configured() {
		return fail(errOut, errors.New("ENACT_JWT_SECRET is not set"))
	}
	var granted []string
	for _, s := range strings.Split(*scopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			granted = append(granted, s)
		}
	}
	token, err := pkgauth.GenerateJWT(*userID, granted...)
	if err != nil {
		return fail(errOut, err)
	}
	fmt.Fprintln(out, token) //nolint:errcheck
	return 0
}

func cmdServe(ctx context.Context, args []string, _, errOut io.Writer) int {
	fs := newFlagSet("serve", errOut)
	addr := fs.String("addr", "", "Listen address (default $ENACT_HTTP_ADDR)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if !pkgauth.Configured() {
		return fail(errOut, errors.New("ENACT_JWT_SECRET is not set"))
	}

	cfg, err := loadConfig()
	if err != nil {
		return fail(errOut, err)
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	a, err := newApp(ctx, cfg, errOut)
	if err != nil {
		return fail(errOut, err)
	}
	metrics.Register()

	bg, stop := context.WithCancel(ctx)
	defer stop()
	if c, ok := a.provider.(*execution.ContainerProvider); ok {
		go c.Start(bg)
	}
	go a.orch.Operations().Start(bg, time.Minute)

	router := api.NewRouter(api.Deps{
		Executor:     a.orch,
		Registry:     a.registry,
		Audit:        a.audit,
		Bus:          a.bus,
		Logger:       a.logger,
		Backend:      a.orch.Backend(),
		EngineHealth: a.engineHealth(),
	})
	srvCfg := server.DefaultConfig()
	srvCfg.Addr = cfg.HTTPAddr

	// The store outlives the server so the audit recorder can flush.
	runErr := server.NewServer(router, srvCfg, a.drainer(), nil, a.logger).Run(ctx, cfg.ShutdownGrace)
	closeErr := a.closeStore()
	if err := errors.Join(runErr, closeErr); err != nil {
		return fail(errOut, err)
	}
	return 0
}
