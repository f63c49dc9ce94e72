package main

import (
	"encoding/base64"
	"flag"
	"fmt"

	"github.com/kabili207/meshtg-gateway/pkg/auth"
	"github.com/kabili207/meshtg-gateway/pkg/meshtastic/pki"
)

func main() {
	length := flag.Int("length", 16, "Length of the password in bytes (will be hex encoded, so output is 2x this)")
	username := flag.String("user", "radio", "Broker username for the generated config snippet")
	admin := flag.Bool("admin", false, "Allow the user to subscribe to every topic")
	keypair := flag.Bool("pki", false, "Generate a node key pair for meshtastic.private_key instead")
	flag.Parse()

	if *keypair {
		public, private, err := pki.GenerateKeyPair()
		if err != nil {
			fmt.Printf("Error generating key pair: %v\n", err)
			return
		}
		fmt.Printf("Public key: %s\n\n", base64.StdEncoding.EncodeToString(public))
		fmt.Println("meshtastic:")
		fmt.Printf("  private_key: %s\n", base64.StdEncoding.EncodeToString(private))
		return
	}

	password, err := auth.RandomHex(*length)
	if err != nil {
		fmt.Printf("Error generating password: %v\n", err)
		return
	}
	hash, salt, err := auth.NewCredential(password)
	if err != nil {
		fmt.Printf("Error hashing password: %v\n", err)
		return
	}

	fmt.Printf("Password: %s\n\n", password)
	fmt.Println("broker:")
	fmt.Println("  users:")
	fmt.Printf("    - username: %s\n", *username)
	fmt.Printf("      salt: %s\n", salt)
	fmt.Printf("      hash: %s\n", hash)
	if *admin {
		fmt.Println("      admin: true")
	}
}
