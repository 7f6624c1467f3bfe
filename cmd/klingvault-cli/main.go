// klingvault-cli is a command-line client for a klingvaultd daemon.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/Klingon-tech/klingvault/config"
	"github.com/Klingon-tech/klingvault/internal/adapter/bitcoin"
	"github.com/Klingon-tech/klingvault/internal/keys"
	"github.com/Klingon-tech/klingvault/internal/rpc"
	"github.com/Klingon-tech/klingvault/internal/rpcclient"
	"github.com/Klingon-tech/klingvault/internal/secmem"
	"github.com/Klingon-tech/klingvault/pkg/chain"
)

type cli struct {
	client  *rpcclient.Client
	cfg     *config.Config
	timeout time.Duration
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	rpcURL := ""
	dataDir := config.DefaultDataDir()
	network := string(config.Mainnet)
	timeout := 30 * time.Second

	// Scan for global flags before the subcommand.
	args := os.Args[1:]
	for len(args) > 0 {
		name, value, ok := globalFlag(args)
		if !ok {
			break
		}
		switch name {
		case "rpc":
			rpcURL = value
		case "datadir":
			dataDir = value
		case "network":
			network = value
		case "timeout":
			d, err := time.ParseDuration(value)
			if err != nil {
				fatal("invalid --timeout: %v", err)
			}
			timeout = d
		}
		if strings.Contains(args[0], "=") {
			args = args[1:]
		} else {
			args = args[2:]
		}
	}
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cfg := config.Default(config.NetworkType(network))
	cfg.DataDir = dataDir
	if rpcURL == "" {
		rpcURL = "http://" + cfg.RPCListenAddr()
	}
	c := &cli{client: rpcclient.New(rpcURL), cfg: cfg, timeout: timeout}

	cmd, cmdArgs := args[0], args[1:]
	switch cmd {
	case "methods":
		c.printCall(rpc.MethodList, nil)
	case "call":
		c.cmdCall(cmdArgs)
	case "chains":
		c.cmdChains(cmdArgs)
	case "build":
		c.printCall("buildTransaction", readParams(cmdArgs, "build"))
	case "fee":
		c.printCall("estimateFee", readParams(cmdArgs, "fee"))
	case "sign":
		c.cmdSign(cmdArgs)
	case "release":
		c.cmdRelease(cmdArgs)
	case "assess":
		c.cmdAddress("assessThreat", cmdArgs)
	case "blacklist":
		c.cmdAddress("blacklistAddress", cmdArgs)
	case "whitelist":
		c.cmdAddress("whitelistAddress", cmdArgs)
	case "limits":
		c.printCall("setSpendingLimits", readParams(cmdArgs, "limits"))
	case "check-policy":
		c.printCall("checkPolicy", readParams(cmdArgs, "check-policy"))
	case "lockdown":
		c.cmdLockdown(cmdArgs)
	case "key":
		c.cmdKey(cmdArgs)
	case "derive":
		c.cmdDerive(cmdArgs)
	case "import-key":
		c.cmdImportKey(cmdArgs)
	case "challenge":
		c.cmdChallenge(cmdArgs)
	case "redact":
		c.cmdRedact(cmdArgs)
	case "snapshot":
		c.cmdSnapshot(cmdArgs)
	case "wallet":
		c.cmdWallet(cmdArgs)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

// globalFlag recognizes --name value and --name=value for the global flags.
func globalFlag(args []string) (name, value string, ok bool) {
	for _, n := range []string{"rpc", "datadir", "network", "timeout"} {
		long := "--" + n
		switch {
		case args[0] == long && len(args) > 1:
			return n, args[1], true
		case strings.HasPrefix(args[0], long+"="):
			return n, args[0][len(long)+1:], true
		}
	}
	return "", "", false
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: klingvault-cli [global flags] <command> [flags]

Global flags:
  --rpc <url>         RPC endpoint (default: from --network)
  --datadir <path>    Data directory (default: ~/.klingvault)
  --network <net>     mainnet (default) or testnet
  --timeout <dur>     Request timeout (default: 30s)

Transactions:
  build <json|@file|->            Build an unsigned draft
  fee <json|@file|->              Estimate the fee of a build request
  sign --draft <id> --key <id> (--wallet <w> | --mnemonic | --secret)
                                  Sign a draft; secrets are prompted
  release --draft <id>            Discard a draft

Security:
  assess <address>                Assess an address
  blacklist <address> [--remove]  Add or remove a blacklist entry
  whitelist <address> [--remove]  Add or remove a whitelist entry
  limits <json|@file|->           Set account spending limits
  check-policy <json|@file|->     Dry-run a spend against policy
  lockdown <on|off>               Toggle the emergency stop
  redact <text>                   Redact secrets from text

Keys:
  key check [--key <id>]          Show rotation recommendations
  key rotate --key <id>           Apply the recommended rotation step
  key compromised --key <id> --reason <r>
                                  Mark a key compromised
  key register --chain <c> --pubkey <hex> [--path <p>]
                                  Register an external public key
  derive --chain <c> --wallet <w> [--account n] [--index n]
                                  Derive and register an account
  import-key --chain <c>          Import a raw private key (prompted)

Challenges:
  challenge create --pubkey <hex> --curve <secp256k1|ed25519>
  challenge verify --nonce <n> --signature <hex>

Snapshots:
  snapshot export --out <file>    Save a checksummed state snapshot
  snapshot import --in <file>     Restore a snapshot

Wallets (local keystore):
  wallet create --name <n> [--words 12|24]
  wallet import --name <n>        Mnemonic is prompted
  wallet list
  wallet accounts --wallet <w>
  wallet export-key --wallet <w> --chain <c> [--account n] [--index n] [--output path]
                                  Print or save a derived private key

Other:
  chains [--chain <c>]            Show chain capabilities
  methods                         List RPC methods
  call <op> [json|@file|-]        Call any operation
`)
}

// ── RPC helpers ─────────────────────────────────────────────────────────

func (c *cli) call(method string, params, result interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.client.CallContext(ctx, method, params, result); err != nil {
		if rpcErr, ok := err.(*rpcclient.RPCError); ok && rpcErr.Kind != "" {
			fatal("%s: %s (%s)", method, rpcErr.Message, rpcErr.Kind)
		}
		fatal("%s: %v", method, err)
	}
}

func (c *cli) printCall(method string, params interface{}) {
	var result json.RawMessage
	c.call(method, params, &result)
	printJSON(result)
}

func printJSON(raw json.RawMessage) {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(out.String())
}

// readParams takes params inline, from @file, or from stdin with "-".
func readParams(args []string, cmd string) json.RawMessage {
	if len(args) == 0 {
		return nil
	}
	var data []byte
	var err error
	switch arg := args[0]; {
	case arg == "-":
		data, err = io.ReadAll(os.Stdin)
	case strings.HasPrefix(arg, "@"):
		data, err = os.ReadFile(arg[1:])
	default:
		data = []byte(arg)
	}
	if err != nil {
		fatal("%s: read params: %v", cmd, err)
	}
	if !json.Valid(data) {
		fatal("%s: params are not valid JSON", cmd)
	}
	return json.RawMessage(data)
}

// ── generic ─────────────────────────────────────────────────────────────

func (c *cli) cmdCall(args []string) {
	if len(args) == 0 {
		fatal("Usage: klingvault-cli call <op> [json|@file|-]")
	}
	c.printCall(args[0], readParams(args[1:], args[0]))
}

func (c *cli) cmdChains(args []string) {
	fs := flag.NewFlagSet("chains", flag.ExitOnError)
	name := fs.String("chain", "", "Chain name")
	fs.Parse(args)

	var views []struct {
		Chain    string `json:"chain"`
		Symbol   string `json:"symbol"`
		Decimals int    `json:"decimals"`
		Testnet  bool   `json:"testnet"`
		Family   string `json:"family"`
	}
	params := map[string]string{}
	if *name != "" {
		params["chain"] = *name
	}
	c.call("chainCapabilities", params, &views)
	for _, v := range views {
		net := ""
		if v.Testnet {
			net = "testnet"
		}
		fmt.Printf("%-18s %-6s %-8s decimals=%-3d %s\n", v.Chain, v.Symbol, v.Family, v.Decimals, net)
	}
}

// ── transactions ────────────────────────────────────────────────────────

func (c *cli) cmdSign(args []string) {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	draftID := fs.String("draft", "", "Draft ID")
	keyID := fs.String("key", "", "Key ID")
	walletName := fs.String("wallet", "", "Keystore wallet holding the seed")
	useMnemonic := fs.Bool("mnemonic", false, "Prompt for a mnemonic")
	useSecret := fs.Bool("secret", false, "Prompt for a raw private key")
	override := fs.Bool("override-threat", false, "Sign despite a High threat assessment")
	fs.Parse(args)

	if *draftID == "" || *keyID == "" {
		fatal("Usage: klingvault-cli sign --draft <id> --key <id> (--wallet <w> | --mnemonic | --secret)")
	}

	params := map[string]interface{}{
		"draftId":        *draftID,
		"keyId":          *keyID,
		"overrideThreat": *override,
	}
	var secret []byte
	switch {
	case *walletName != "":
		secret = mustPrompt("Wallet password: ")
		params["wallet"] = *walletName
		params["password"] = string(secret)
	case *useMnemonic:
		secret = mustPrompt("Mnemonic: ")
		params["mnemonic"] = string(secret)
		pass := mustPrompt("Passphrase (empty for none): ")
		params["passphrase"] = string(pass)
		secmem.Zero(pass)
	case *useSecret:
		secret = mustPrompt("Private key: ")
		params["secret"] = string(secret)
	default:
		fatal("one of --wallet, --mnemonic or --secret is required")
	}
	defer secmem.Zero(secret)

	c.printCall("signTransaction", params)
}

func (c *cli) cmdRelease(args []string) {
	fs := flag.NewFlagSet("release", flag.ExitOnError)
	draftID := fs.String("draft", "", "Draft ID")
	fs.Parse(args)
	if *draftID == "" {
		fatal("Usage: klingvault-cli release --draft <id>")
	}
	c.printCall("releaseDraft", map[string]string{"draftId": *draftID})
}

// ── security ────────────────────────────────────────────────────────────

func (c *cli) cmdAddress(method string, args []string) {
	if len(args) == 0 {
		fatal("Usage: klingvault-cli <assess|blacklist|whitelist> <address> [flags]")
	}
	address := args[0]
	fs := flag.NewFlagSet(method, flag.ExitOnError)
	remove := fs.Bool("remove", false, "Remove the entry")
	note := fs.String("reason", "", "Reason or label for the audit log")
	fs.Parse(args[1:])

	params := map[string]interface{}{"address": address}
	switch method {
	case "blacklistAddress":
		params["remove"] = *remove
		params["reason"] = *note
	case "whitelistAddress":
		params["remove"] = *remove
		params["label"] = *note
	}
	c.printCall(method, params)
}

func (c *cli) cmdLockdown(args []string) {
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		fatal("Usage: klingvault-cli lockdown <on|off>")
	}
	c.printCall("setLockdown", map[string]bool{"enabled": args[0] == "on"})
}

func (c *cli) cmdRedact(args []string) {
	if len(args) == 0 {
		fatal("Usage: klingvault-cli redact <text>")
	}
	var res struct {
		Redacted string `json:"redacted"`
	}
	c.call("redact", map[string]string{"data": strings.Join(args, " ")}, &res)
	fmt.Println(res.Redacted)
}

// ── keys ────────────────────────────────────────────────────────────────

func (c *cli) cmdKey(args []string) {
	if len(args) < 1 {
		fatal("Usage: klingvault-cli key <check|rotate|compromised|register> [flags]")
	}
	fs := flag.NewFlagSet("key "+args[0], flag.ExitOnError)
	keyID := fs.String("key", "", "Key ID")
	reason := fs.String("reason", "", "Reason")
	chainName := fs.String("chain", "", "Chain")
	pubkey := fs.String("pubkey", "", "Public key (hex)")
	path := fs.String("path", "", "Derivation path")
	fs.Parse(args[1:])

	switch args[0] {
	case "check":
		c.printCall("checkKeyRotation", map[string]string{"keyId": *keyID})
	case "rotate":
		if *keyID == "" {
			fatal("Usage: klingvault-cli key rotate --key <id>")
		}
		c.printCall("applyKeyRotation", map[string]string{"keyId": *keyID})
	case "compromised":
		if *keyID == "" {
			fatal("Usage: klingvault-cli key compromised --key <id> --reason <r>")
		}
		c.printCall("markKeyCompromised", map[string]string{"keyId": *keyID, "reason": *reason})
	case "register":
		if *chainName == "" || *pubkey == "" {
			fatal("Usage: klingvault-cli key register --chain <c> --pubkey <hex> [--path <p>]")
		}
		c.printCall("registerKey", map[string]string{"chain": *chainName, "publicKey": *pubkey, "path": *path})
	default:
		fatal("Unknown key command: %s", args[0])
	}
}

func (c *cli) cmdDerive(args []string) {
	fs := flag.NewFlagSet("derive", flag.ExitOnError)
	chainName := fs.String("chain", "", "Chain")
	walletName := fs.String("wallet", "", "Keystore wallet")
	account := fs.Uint("account", 0, "Account index")
	index := fs.Uint("index", 0, "Address index")
	fs.Parse(args)

	if *chainName == "" || *walletName == "" {
		fatal("Usage: klingvault-cli derive --chain <c> --wallet <w> [--account n] [--index n]")
	}
	password := mustPrompt("Wallet password: ")
	defer secmem.Zero(password)

	c.printCall("deriveAccount", map[string]interface{}{
		"chain":    *chainName,
		"wallet":   *walletName,
		"password": string(password),
		"account":  *account,
		"index":    *index,
	})
}

func (c *cli) cmdImportKey(args []string) {
	fs := flag.NewFlagSet("import-key", flag.ExitOnError)
	chainName := fs.String("chain", "", "Chain")
	fs.Parse(args)
	if *chainName == "" {
		fatal("Usage: klingvault-cli import-key --chain <c>")
	}
	secret := mustPrompt("Private key: ")
	defer secmem.Zero(secret)
	c.printCall("importAccount", map[string]string{"chain": *chainName, "secret": string(secret)})
}

// ── challenges ──────────────────────────────────────────────────────────

func (c *cli) cmdChallenge(args []string) {
	if len(args) < 1 {
		fatal("Usage: klingvault-cli challenge <create|verify> [flags]")
	}
	fs := flag.NewFlagSet("challenge "+args[0], flag.ExitOnError)
	pubkey := fs.String("pubkey", "", "Signer public key (hex)")
	curve := fs.String("curve", string(chain.Ed25519), "secp256k1 or ed25519")
	nonce := fs.String("nonce", "", "Challenge nonce")
	sig := fs.String("signature", "", "Signature (hex)")
	fs.Parse(args[1:])

	switch args[0] {
	case "create":
		if *pubkey == "" {
			fatal("Usage: klingvault-cli challenge create --pubkey <hex> --curve <c>")
		}
		c.printCall("createChallenge", map[string]string{"publicKey": *pubkey, "curve": *curve})
	case "verify":
		if *nonce == "" || *sig == "" {
			fatal("Usage: klingvault-cli challenge verify --nonce <n> --signature <hex>")
		}
		c.printCall("verifyChallenge", map[string]string{"nonce": *nonce, "signature": *sig})
	default:
		fatal("Unknown challenge command: %s", args[0])
	}
}

// ── snapshots ───────────────────────────────────────────────────────────

func (c *cli) cmdSnapshot(args []string) {
	if len(args) < 1 {
		fatal("Usage: klingvault-cli snapshot <export|import> [flags]")
	}
	fs := flag.NewFlagSet("snapshot "+args[0], flag.ExitOnError)
	out := fs.String("out", "", "Output file")
	in := fs.String("in", "", "Input file")
	fs.Parse(args[1:])

	switch args[0] {
	case "export":
		if *out == "" {
			fatal("Usage: klingvault-cli snapshot export --out <file>")
		}
		var res struct {
			Snapshot json.RawMessage `json:"snapshot"`
		}
		c.call("exportSnapshot", nil, &res)
		if err := os.WriteFile(*out, res.Snapshot, 0600); err != nil {
			fatal("write snapshot: %v", err)
		}
		fmt.Printf("Snapshot written to %s (%d bytes)\n", *out, len(res.Snapshot))
	case "import":
		if *in == "" {
			fatal("Usage: klingvault-cli snapshot import --in <file>")
		}
		data, err := os.ReadFile(*in)
		if err != nil {
			fatal("read snapshot: %v", err)
		}
		c.printCall("importSnapshot", map[string]json.RawMessage{"snapshot": data})
	default:
		fatal("Unknown snapshot command: %s", args[0])
	}
}

// ── wallet ──────────────────────────────────────────────────────────────

func (c *cli) keystore() *keys.Keystore {
	ks, err := keys.NewKeystore(c.cfg.KeystoreDir(), keys.DefaultParams())
	if err != nil {
		fatal("open keystore: %v", err)
	}
	return ks
}

func (c *cli) cmdWallet(args []string) {
	if len(args) < 1 {
		fatal("Usage: klingvault-cli wallet <create|import|list|accounts|export-key> [flags]")
	}
	switch args[0] {
	case "create":
		c.cmdWalletCreate(args[1:], true)
	case "import":
		c.cmdWalletCreate(args[1:], false)
	case "list":
		names, err := c.keystore().List()
		if err != nil {
			fatal("list wallets: %v", err)
		}
		if len(names) == 0 {
			fmt.Println("No wallets found.")
			return
		}
		for _, n := range names {
			fmt.Println(n)
		}
	case "accounts":
		fs := flag.NewFlagSet("wallet accounts", flag.ExitOnError)
		name := fs.String("wallet", "", "Wallet name")
		fs.Parse(args[1:])
		if *name == "" {
			fatal("Usage: klingvault-cli wallet accounts --wallet <w>")
		}
		accts, err := c.keystore().ListAccounts(*name)
		if err != nil {
			fatal("list accounts: %v", err)
		}
		for _, a := range accts {
			fmt.Printf("%-18s %-22s %s\n", a.Chain, a.Path, a.Address)
		}
	case "export-key":
		c.cmdWalletExportKey(args[1:])
	default:
		fatal("Unknown wallet command: %s", args[0])
	}
}

func (c *cli) cmdWalletCreate(args []string, generate bool) {
	fs := flag.NewFlagSet("wallet create", flag.ExitOnError)
	name := fs.String("name", "", "Wallet name")
	words := fs.Int("words", 24, "Mnemonic length (12 or 24)")
	fs.Parse(args)
	if *name == "" {
		fatal("Usage: klingvault-cli wallet %s --name <name>", map[bool]string{true: "create", false: "import"}[generate])
	}

	var mnemonic string
	if generate {
		m, err := keys.GenerateMnemonic(*words)
		if err != nil {
			fatal("generate mnemonic: %v", err)
		}
		mnemonic = m
		fmt.Println("Mnemonic (write this down!):")
		fmt.Printf("  %s\n\n", mnemonic)
	} else {
		m := mustPrompt("Mnemonic: ")
		mnemonic = keys.NormalizeMnemonic(string(m))
		secmem.Zero(m)
		if !keys.ValidateMnemonic(mnemonic) {
			fatal("invalid mnemonic")
		}
	}

	password := mustPrompt("Enter password: ")
	confirm := mustPrompt("Confirm password: ")
	defer secmem.Zero(password)
	defer secmem.Zero(confirm)
	if !secmem.Compare(password, confirm) {
		fatal("passwords do not match")
	}

	seed, err := keys.SeedFromMnemonic(mnemonic, "")
	if err != nil {
		fatal("derive seed: %v", err)
	}
	defer secmem.Zero(seed)

	if err := c.keystore().Create(*name, seed, password); err != nil {
		fatal("create wallet: %v", err)
	}
	fmt.Printf("Wallet created: %s\n", *name)
	fmt.Printf("Derive accounts with: klingvault-cli derive --chain <c> --wallet %s\n", *name)
}

func (c *cli) cmdWalletExportKey(args []string) {
	fs := flag.NewFlagSet("wallet export-key", flag.ExitOnError)
	name := fs.String("wallet", "", "Wallet name")
	chainName := fs.String("chain", "", "Chain")
	account := fs.Uint("account", 0, "Account index")
	index := fs.Uint("index", 0, "Address index")
	output := fs.String("output", "", "Write the key to a file instead of stdout")
	fs.Parse(args)
	if *name == "" || *chainName == "" {
		fatal("Usage: klingvault-cli wallet export-key --wallet <w> --chain <c> [--account n] [--index n] [--output path]")
	}
	ch, err := chain.Parse(*chainName)
	if err != nil {
		fatal("%v", err)
	}

	password := mustPrompt("Wallet password: ")
	defer secmem.Zero(password)
	seed, err := c.keystore().Load(*name, password)
	if err != nil {
		fatal("load wallet: %v", err)
	}
	defer secmem.Zero(seed)

	d, err := keys.Derive(seed, ch, uint32(*account), uint32(*index))
	if err != nil {
		fatal("derive key: %v", err)
	}
	defer d.Zero()

	secret, err := keys.FormatSecret(ch, d.Key, bitcoin.NetParams)
	if err != nil {
		fatal("export key: %v", err)
	}

	if *output != "" {
		if err := os.WriteFile(*output, []byte(secret+"\n"), 0600); err != nil {
			fatal("write key: %v", err)
		}
		fmt.Printf("Private key for %s %s written to %s\n", ch, d.Path, *output)
		return
	}
	fmt.Fprintf(os.Stderr, "WARNING: anyone with this key controls the funds at %s %s\n", ch, d.Path)
	fmt.Println(secret)
}

// ── prompts ─────────────────────────────────────────────────────────────

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}

func mustPrompt(prompt string) []byte {
	b, err := readPassword(prompt)
	if err != nil {
		fatal("read input: %v", err)
	}
	return b
}

// ── Error helper ────────────────────────────────────────────────────────

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
