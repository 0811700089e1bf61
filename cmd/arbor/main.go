// Command arbor serves and drives the arbor path planner.
package main

func main() {
	Execute()
}
