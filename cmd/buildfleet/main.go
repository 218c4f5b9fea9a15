// buildfleet - launch CI build runners, wait until they are usable, and
// retire old runner images without dropping below a rollback floor.
package main

func main() {
	Execute()
}
