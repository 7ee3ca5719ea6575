// Command sentrywire runs the WireGuard-tunnel intercepting proxy.
package main

import "github.com/sentrywire/sentrywire/cmd/sentrywire/cmd"

func main() {
	cmd.Execute()
}
