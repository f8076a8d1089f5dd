// emrelayd-dovecot-check is a small diagnostic tool for the Dovecot auth
// fallback backend: it drives internal/dovecot directly against a running
// Dovecot instance's auth sockets, outside of the daemon.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.emailrelay.dev/relay/internal/dovecot"
)

const help = `
Usage:
	emrelayd-dovecot-check <path prefix> exists user@domain
	emrelayd-dovecot-check <path prefix> auth user@domain password

Example:
	emrelayd-dovecot-check /var/run/dovecot/auth exists user@domain
	emrelayd-dovecot-check /var/run/dovecot/auth auth user@domain password

`

func main() {
	flag.Parse()

	if len(flag.Args()) < 3 {
		fmt.Fprint(os.Stderr, help)
		fmt.Println("no: invalid arguments")
		os.Exit(1)
	}

	a := dovecot.NewAuth(flag.Arg(0)+"-userdb", flag.Arg(0)+"-client")

	var ok bool
	var err error

	switch flag.Arg(1) {
	case "exists":
		ok, err = a.Exists(flag.Arg(2))
	case "auth":
		ok, err = a.Authenticate(flag.Arg(2), flag.Arg(3))
	default:
		err = fmt.Errorf("unknown subcommand %q", flag.Arg(1))
	}

	if ok {
		fmt.Println("yes")
		return
	}
	fmt.Printf("no: %v\n", err)
	os.Exit(1)
}
