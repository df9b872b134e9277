// Command policyshield runs the PolicyShield enforcement server and its
// companion tooling.
package main

import "github.com/policyshield/policyshield/cmd/policyshield/cmd"

func main() {
	cmd.Execute()
}
