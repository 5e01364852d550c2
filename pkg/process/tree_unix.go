//go:build !windows

package process

import (
	"bufio"
	"bytes"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

func setSysProcAttr(cmd *exec.Cmd) {
	// Place the child in its own process group so a termination signal does
	// not propagate back to the gateway.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

func killPid(pid int) {
	_ = syscall.Kill(pid, syscall.SIGKILL)
}

// Descendants returns the transitive children of pid, parents before children.
// It walks the process table via ps, which works on both Linux and macOS.
func Descendants(pid int) ([]int, error) {
	out, err := exec.Command("ps", "-e", "-o", "pid=,ppid=").Output()
	if err != nil {
		return nil, err
	}

	children := make(map[int][]int)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		child, err1 := strconv.Atoi(fields[0])
		parent, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			continue
		}
		children[parent] = append(children[parent], child)
	}

	var result []int
	queue := []int{pid}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range children[current] {
			result = append(result, child)
			queue = append(queue, child)
		}
	}
	return result, nil
}
