// Command ibgate runs and maintains an iButton door reader.
package main

import "github.com/ibgate-project/ibgate/internal/cli"

func main() {
	cli.Execute()
}
