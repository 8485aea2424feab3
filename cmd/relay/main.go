package main

import "github.com/rudransh-shrivastava/peer-sync/internal/client/cmd"

func main() {
	cmd.ExecuteRelay()
}
