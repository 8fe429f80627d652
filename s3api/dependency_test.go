package s3api

import (
	"errors"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/require"
)

func TestDependencyChecker_CheckDependencies(t *testing.T) {
	factory := &fakeCommandFactory{output: "/usr/local/bin/aws"}

	require.True(t, NewDependencyChecker(log.NewLogger(), factory, "").CheckDependencies())
	require.Equal(t, "which", factory.name)
	require.Equal(t, []string{"aws"}, factory.args)
}

func TestDependencyChecker_Missing(t *testing.T) {
	factory := &fakeCommandFactory{err: errors.New("exit status 1")}

	require.False(t, NewDependencyChecker(log.NewLogger(), factory, "aws-v2").CheckDependencies())
	require.Equal(t, []string{"aws-v2"}, factory.args)
}
