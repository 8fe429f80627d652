package s3api

import (
	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/log"
)

// DependencyChecker verifies that the aws command line tool can be found.
type DependencyChecker struct {
	logger     log.Logger
	cmdFactory command.Factory
	command    string
}

// NewDependencyChecker ... An empty awsCommand means DefaultCommand.
func NewDependencyChecker(logger log.Logger, cmdFactory command.Factory, awsCommand string) *DependencyChecker {
	if awsCommand == "" {
		awsCommand = DefaultCommand
	}
	return &DependencyChecker{
		logger:     logger,
		cmdFactory: cmdFactory,
		command:    awsCommand,
	}
}

// CheckDependencies ...
func (dc *DependencyChecker) CheckDependencies() bool {
	cmd := dc.cmdFactory.Create("which", []string{dc.command}, nil)
	dc.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	out, err := cmd.RunAndReturnTrimmedCombinedOutput()
	if err != nil {
		dc.logger.Debugf("%s not found: %s", dc.command, out)
		return false
	}
	dc.logger.Debugf("Using %s", out)
	return true
}
