// ovsdb-serverctl -- control-socket CLI client for ovsdb-server.
package main

import "github.com/dantte-lp/ovsdb-server/cmd/ovsdb-serverctl/commands"

func main() {
	commands.Execute()
}
