// emrelayd-userdb manages the scrypt-hashed account database consumed by
// internal/userdb and, through it, the daemon's local authentication
// backend.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/crypto/ssh/terminal"

	"go.emailrelay.dev/relay/internal/userdb"
)

var (
	dbFname  = flag.String("database", "", "database file")
	adduser  = flag.String("add_user", "", "user to add")
	password = flag.String("password", "",
		"password for the user to add (will prompt if missing)")
	disableChecks = flag.Bool("dangerously_disable_checks", false,
		"disable security checks - DANGEROUS, use for testing only")
)

func main() {
	flag.Parse()

	if *dbFname == "" {
		fmt.Println("database name missing, forgot --database?")
		os.Exit(1)
	}

	db, err := userdb.Load(*dbFname)
	if err != nil {
		if *adduser != "" && os.IsNotExist(err) {
			fmt.Println("creating database")
		} else {
			fmt.Printf("error loading database: %v\n", err)
			os.Exit(1)
		}
	}

	if *adduser == "" {
		fmt.Println("database loaded")
		return
	}

	if *password == "" {
		fmt.Print("Password: ")
		p1, err := terminal.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			fmt.Printf("error reading password: %v\n", err)
			os.Exit(1)
		}

		fmt.Print("Confirm password: ")
		p2, err := terminal.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			fmt.Printf("error reading password: %v\n", err)
			os.Exit(1)
		}

		if !bytes.Equal(p1, p2) {
			fmt.Println("passwords don't match")
			os.Exit(1)
		}

		*password = string(p1)
	}

	if !*disableChecks && len(*password) < 8 {
		fmt.Println("password is too short")
		os.Exit(1)
	}

	if err := db.AddUser(*adduser, *password); err != nil {
		fmt.Printf("error adding user: %v\n", err)
		os.Exit(1)
	}

	if err := db.Write(); err != nil {
		fmt.Printf("error writing database: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("added user")
}
