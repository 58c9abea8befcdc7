// Command seal-password reads an IMAP password from stdin and prints the encrypted_password value
// for the accounts file, sealed with VMAIL_ENCRYPTION_KEY_BASE64.
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/vdavid/vmail/accountsync/internal/crypto"
)

func main() {
	_ = godotenv.Load()

	encryptor, err := crypto.NewEncryptor(os.Getenv("VMAIL_ENCRYPTION_KEY_BASE64"))
	if err != nil {
		log.Fatalf("Failed to create encryptor: %v", err)
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		log.Fatalf("Failed to read password from stdin: %v", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		log.Fatal("Password must not be empty")
	}

	sealed, err := encryptor.SealPassword(password)
	if err != nil {
		log.Fatalf("Failed to seal password: %v", err)
	}
	fmt.Println(sealed)
}
