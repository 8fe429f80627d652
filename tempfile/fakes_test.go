package tempfile

import (
	"fmt"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	return repo.envVars[key]
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	delete(repo.envVars, key)
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

// zeroReader always yields zero bytes, so every generated name is the same.
type zeroReader struct {
	reads int
}

func (r *zeroReader) Read(p []byte) (int, error) {
	r.reads++
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
