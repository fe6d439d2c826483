// Copyright (c) 2026 The Mezzo Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package agent

import (
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mezzo-rm/mezzo/pkg/common/protocol"
	"github.com/mezzo-rm/mezzo/pkg/common/resources"
)

// Containerizer is the per-OS isolation boundary. Containment
// internals (cgroups and friends) live behind it and out of this
// repository.
type Containerizer interface {
	// LaunchExecutor starts an executor process with the given
	// bootstrap environment.
	LaunchExecutor(frameworkID protocol.FrameworkID, info protocol.ExecutorInfo, directory string, env map[string]string) error
	// KillExecutor destroys an executor and everything in it.
	KillExecutor(frameworkID protocol.FrameworkID, executorID protocol.ExecutorID) error
	// ResourcesChanged adjusts an executor's resource limits.
	ResourcesChanged(frameworkID protocol.FrameworkID, executorID protocol.ExecutorID, limit resources.Resources) error
	// CollectUsage samples current usage across executors.
	CollectUsage() (resources.Resources, error)
}

type executorProcKey struct {
	frameworkID protocol.FrameworkID
	executorID  protocol.ExecutorID
}

// subprocessContainerizer runs executors as child processes in their
// own process groups. It provides no resource isolation beyond kill.
type subprocessContainerizer struct {
	sync.Mutex
	procs map[executorProcKey]*exec.Cmd
}

// NewSubprocessContainerizer creates the process-backed
// Containerizer used by the agent binary.
func NewSubprocessContainerizer() Containerizer {
	return &subprocessContainerizer{
		procs: make(map[executorProcKey]*exec.Cmd),
	}
}

func (c *subprocessContainerizer) LaunchExecutor(
	frameworkID protocol.FrameworkID,
	info protocol.ExecutorInfo,
	directory string,
	env map[string]string) error {

	cmd := exec.Command("/bin/sh", "-c", info.Command)
	cmd.Dir = directory
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Executors get their own process group so a kill takes their
	// whole tree with them.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "launching executor %s", info.ExecutorID)
	}
	log.WithFields(log.Fields{
		"framework_id": frameworkID,
		"executor_id":  info.ExecutorID,
		"pid":          cmd.Process.Pid,
	}).Info("Launched executor")

	c.Lock()
	c.procs[executorProcKey{frameworkID, info.ExecutorID}] = cmd
	c.Unlock()

	go func() {
		cmd.Wait()
		c.Lock()
		delete(c.procs, executorProcKey{frameworkID, info.ExecutorID})
		c.Unlock()
	}()
	return nil
}

func (c *subprocessContainerizer) KillExecutor(
	frameworkID protocol.FrameworkID,
	executorID protocol.ExecutorID) error {

	c.Lock()
	cmd, ok := c.procs[executorProcKey{frameworkID, executorID}]
	c.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}
	// Negative pid addresses the process group.
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

func (c *subprocessContainerizer) ResourcesChanged(
	frameworkID protocol.FrameworkID,
	executorID protocol.ExecutorID,
	limit resources.Resources) error {
	// Subprocesses carry no enforced limits.
	return nil
}

func (c *subprocessContainerizer) CollectUsage() (resources.Resources, error) {
	return nil, nil
}
