package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/betbot/spotcycle/pkg/secretstore"
)

// env2badger 把 .env 中的交易所凭据导入加密 Badger 库，运行期只需提供 SECRET_DB/SECRET_KEY。
func main() {
	var (
		inPath    = flag.String("in", ".env", "input .env file path")
		dbPath    = flag.String("badger", getenv("SECRET_DB", "data/secrets.badger"), "badger secrets db path")
		secretKey = flag.String("secret-key", getenv("SECRET_KEY", ""), "badger encryption key (32 bytes base64/hex)")
	)
	flag.Parse()

	keyBytes, err := secretstore.ParseKey(*secretKey)
	if err != nil {
		fatal(err)
	}
	if keyBytes == nil {
		fatal(fmt.Errorf("secret key is required: set SECRET_KEY or pass -secret-key"))
	}

	kv, err := godotenv.Read(*inPath)
	if err != nil {
		fatal(err)
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{Path: *dbPath, EncryptionKey: keyBytes})
	if err != nil {
		fatal(err)
	}
	defer ss.Close()

	mapping := map[string]string{
		"VENUE_API_KEY":    secretstore.KeyAPIKey,
		"VENUE_API_SECRET": secretstore.KeyAPISecret,
	}
	written := 0
	for envKey, storeKey := range mapping {
		v := strings.TrimSpace(kv[envKey])
		if v == "" {
			fmt.Fprintf(os.Stderr, "跳过 %s：.env 中未设置\n", envKey)
			continue
		}
		if err := ss.SetString(storeKey, v); err != nil {
			fatal(err)
		}
		written++
	}
	fmt.Fprintf(os.Stderr, "已导入 %d 项到 badger：%s\n", written, *dbPath)
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
