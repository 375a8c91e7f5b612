package script

import (
	_ "embed"
)

//go:embed intake.yaml
var intakeScript []byte

// Intake returns the built-in script for stage.Intake.
func Intake() Script {
	s, err := Parse(intakeScript)
	if err != nil {
		panic(err)
	}
	return s
}
