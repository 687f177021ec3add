// Command initdata prints signed Mini App init data for calling the API locally:
//
//	curl -H "X-TG-Init-Data: $(go run ./cmd/initdata -user 42)" localhost:8000/api/me
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"budgetbuddy/internal/auth"
)

func main() {
	_ = godotenv.Load()

	var (
		userID    = flag.Int64("user", 0, "Telegram user id (required)")
		firstName = flag.String("first-name", "Dev", "first_name in the user object")
		username  = flag.String("username", "", "username in the user object")
		lang      = flag.String("lang", "en", "language_code in the user object")
		token     = flag.String("token", os.Getenv("TELEGRAM_BOT_TOKEN"), "bot token used as the signing secret")
		age       = flag.Duration("age", 0, "backdate auth_date by this much")
	)
	flag.Parse()

	if *userID <= 0 || *token == "" {
		fmt.Fprintln(os.Stderr, "usage: initdata -user <id> [-token <bot token>]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	user := map[string]any{"id": *userID, "first_name": *firstName, "language_code": *lang}
	if *username != "" {
		user["username"] = *username
	}
	userJSON, err := json.Marshal(user)
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode user:", err)
		os.Exit(1)
	}

	fields := map[string]string{
		"auth_date": strconv.FormatInt(time.Now().Add(-*age).Unix(), 10),
		"user":      string(userJSON),
	}
	fmt.Println(auth.SignInitData(fields, *token))
}
