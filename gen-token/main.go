package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"tarefas/api"
	"tarefas/domain"
)

// gen-token mints session tokens for local testing and load runs.
func main() {
	_ = godotenv.Load()

	var (
		count  = flag.Int("count", 1, "number of tokens to generate")
		prefix = flag.String("prefix", "perf-user", "local part for generated emails when count > 1")
		start  = flag.Int("start", 1, "starting index for generated emails when count > 1")
		host   = flag.String("domain", "example.test", "email domain for generated identities")
		ttl    = flag.Duration("ttl", 24*time.Hour, "token lifetime")
		output = flag.String("output", "", "file to write generated tokens as a JSON array")
	)
	flag.Parse()

	secret := os.Getenv("TEST_JWT_SECRET")
	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	if secret == "" {
		log.Fatal("TEST_JWT_SECRET or JWT_SECRET must be set")
	}
	if *count < 1 {
		log.Fatal("count must be at least 1")
	}
	if *start < 1 {
		log.Fatal("start index must be at least 1")
	}
	args := flag.Args()
	if len(args) > 0 && *count > 1 {
		log.Fatal("explicit email cannot be provided when generating multiple tokens")
	}

	sessions := api.NewSessions([]byte(secret), *ttl, false)
	tokens, err := generateTokens(sessions, emails(*count, *prefix, *host, *start, args))
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}
	if *output != "" {
		if err := writeTokens(*output, tokens); err != nil {
			log.Fatalf("write tokens: %v", err)
		}
	}
	fmt.Print(tokens[0])
}

func emails(count int, prefix, host string, start int, args []string) []string {
	if len(args) > 0 {
		return []string{args[0]}
	}
	if count == 1 {
		return []string{prefix + "@" + host}
	}
	out := make([]string, count)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%d@%s", prefix, start+i, host)
	}
	return out
}

func generateTokens(sessions *api.Sessions, emails []string) ([]string, error) {
	tokens := make([]string, len(emails))
	for i, email := range emails {
		tok, _, err := sessions.Issue(email, domain.Identity{Email: email})
		if err != nil {
			return nil, err
		}
		tokens[i] = tok
	}
	return tokens, nil
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
