// Prism is a registration service for hosts on dynamic addresses: client
// agents keep a long-lived TCP connection open, announce their hostname and
// address, and Prism publishes the result into an authoritative DNS zone.
package main

import "github.com/prismdns/prism/internal/cmd"

func main() {
	cmd.Main()
}
