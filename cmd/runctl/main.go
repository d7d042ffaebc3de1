// runctl launches and supervises the run profiles of a workspace.
package main

import "os"

func main() {
	os.Exit(execute())
}
