// Command meshclient runs one mesh session from a terminal. It drives the
// same runner the mobile library embeds and exits with the library's status
// code (negated, so failures are non-zero).
package main

func main() {
	Execute()
}
