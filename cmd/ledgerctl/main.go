package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/holiman/uint256"

	"shardledger/cmd/internal/passphrase"
	"shardledger/config"
	"shardledger/core/types"
	"shardledger/crypto"
	"shardledger/gateway/middleware"
	"shardledger/native/logic"
	"shardledger/storage/journal"
)

const (
	keygenCommand     = "keygen"
	accountCommand    = "account"
	signPermitCommand = "sign-permit"
	issueTokenCommand = "issue-token"
	exportCommand     = "export-journal"

	defaultPassEnv  = "LEDGER_KEYSTORE_PASS"
	defaultKeystore = "owner.keystore"
	defaultConfig   = "./ledgerd.toml"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case keygenCommand:
		err = runKeygen(os.Args[2:], os.Stdout)
	case accountCommand:
		err = runAccount(os.Args[2:], os.Stdout)
	case signPermitCommand:
		err = runSignPermit(os.Args[2:], os.Stdout)
	case issueTokenCommand:
		err = runIssueToken(os.Args[2:], os.Stdout)
	case exportCommand:
		err = runExport(os.Args[2:], os.Stdout)
	case "-h", "--help", "help":
		usage(os.Stdout)
		return
	default:
		usage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `Usage: ledgerctl <command> [flags]

Commands:
  %s        generate a secp256k1 key into an encrypted keystore
  %s       print the account of a keystore
  %s   sign a permit and print the request body for POST /v1/permit
  %s   mint a bearer token for a caller from the ledgerd auth secret
  %s  write finalized transactions from a journal to a Parquet file
`, keygenCommand, accountCommand, signPermitCommand, issueTokenCommand, exportCommand)
}

func runKeygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(keygenCommand, flag.ContinueOnError)
	keystorePath := fs.String("keystore", defaultKeystore, "output path of the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "environment variable holding the keystore passphrase")
	force := fs.Bool("force", false, "overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*force {
		if _, err := os.Stat(*keystorePath); err == nil {
			return fmt.Errorf("keystore %s already exists (use --force to overwrite)", *keystorePath)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	pass, err := passphrase.NewSource(*passEnv, "keystore").Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	account, err := crypto.SaveToKeystore(*keystorePath, key, pass)
	if err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	fmt.Fprintln(out, account.String())
	return nil
}

func loadKey(path, passEnv string) (*crypto.PrivateKey, error) {
	pass, err := passphrase.NewSource(passEnv, "keystore").Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("open keystore %s: %w", path, err)
	}
	return key, nil
}

func runAccount(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(accountCommand, flag.ContinueOnError)
	keystorePath := fs.String("keystore", defaultKeystore, "path of the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "environment variable holding the keystore passphrase")
	verify := fs.Bool("verify", false, "decrypt the keystore and check it controls the recorded account")
	if err := fs.Parse(args); err != nil {
		return err
	}
	account, err := crypto.KeystoreAccount(*keystorePath)
	if err != nil {
		return fmt.Errorf("open keystore %s: %w", *keystorePath, err)
	}
	if *verify {
		if _, err := loadKey(*keystorePath, *passEnv); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "%s\n%s\n", account.String(), account.Hex())
	return nil
}

// permitBody is the JSON accepted by POST /v1/permit.
type permitBody struct {
	Kind   string       `json:"kind,omitempty"`
	Intent logic.Permit `json:"intent"`
}

func runSignPermit(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(signPermitCommand, flag.ContinueOnError)
	keystorePath := fs.String("keystore", defaultKeystore, "owner keystore")
	passEnv := fs.String("pass-env", defaultPassEnv, "environment variable holding the keystore passphrase")
	operatorFlag := fs.String("operator", "", "account allowed to spend")
	tokenFlag := fs.String("token", "", "token id")
	amountFlag := fs.String("amount", "", "allowance in base units (decimal)")
	nonce := fs.Uint64("nonce", 0, "owner's current permit nonce for the token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	operator, err := types.ParseAccount(*operatorFlag)
	if err != nil {
		return fmt.Errorf("operator: %w", err)
	}
	token, err := types.ParseTokenID(*tokenFlag)
	if err != nil {
		return err
	}
	amount, err := uint256.FromDecimal(strings.TrimSpace(*amountFlag))
	if err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	key, err := loadKey(*keystorePath, *passEnv)
	if err != nil {
		return err
	}
	body, err := buildPermit(key, operator, token, amount, *nonce)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(body)
}

func buildPermit(key *crypto.PrivateKey, operator types.Account, token types.TokenID, amount *uint256.Int, nonce uint64) (permitBody, error) {
	msg := crypto.PermitMessage{Owner: key.Account(), Operator: operator, Token: token, Amount: amount, Nonce: nonce}
	sig, err := crypto.SignPermit(key, msg)
	if err != nil {
		return permitBody{}, fmt.Errorf("sign permit: %w", err)
	}
	permit := logic.Permit{
		Token:     token,
		Owner:     msg.Owner,
		Operator:  operator,
		Amount:    amount,
		Nonce:     nonce,
		Signature: sig,
		PublicKey: key.PubKey().Bytes(),
	}
	if err := permit.Validate(); err != nil {
		return permitBody{}, err
	}
	return permitBody{Kind: "new", Intent: permit}, nil
}

func runIssueToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(issueTokenCommand, flag.ContinueOnError)
	cfgPath := fs.String("config", defaultConfig, "ledgerd configuration holding the auth secret")
	subject := fs.String("subject", "", "caller account")
	audience := fs.String("audience", "", "token audience (defaults to the configured one)")
	scopes := fs.String("scopes", "", "space separated scopes, e.g. "+middleware.ScopeAdmin)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	token, err := issueToken(cfg, *subject, *audience, strings.Fields(*scopes))
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func issueToken(cfg *config.Config, subject, audience string, scopes []string) (string, error) {
	caller, err := types.ParseAccount(subject)
	if err != nil {
		return "", fmt.Errorf("subject: %w", err)
	}
	if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return "", errors.New("config has no auth secret")
	}
	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    true,
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		TokenTTL:   cfg.Auth.TokenTTL.Duration,
	}, nil)
	return auth.Issue(caller, audience, scopes...)
}

func runExport(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(exportCommand, flag.ContinueOnError)
	journalPath := fs.String("journal", "./ledger-data/journal.db", "journal database")
	outPath := fs.String("out", "journal.parquet", "output Parquet file")
	caller := fs.String("caller", "", "only export this caller's transactions")
	status := fs.String("status", "", "only export this status (success|failure)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	j, err := journal.Open(*journalPath, nil)
	if err != nil {
		return err
	}
	defer j.Close()

	file, err := os.Create(*outPath)
	if err != nil {
		return err
	}
	n, err := j.ExportParquet(context.Background(), file, journal.Filter{Caller: *caller, Status: *status})
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %d rows to %s\n", n, *outPath)
	return nil
}
