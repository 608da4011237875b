package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ensureDockerfile renders a Node 20 Dockerfile when the template ships none.
func ensureDockerfile(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, fmt.Errorf("read workspace: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.EqualFold(entry.Name(), "dockerfile") {
			return false, nil
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(renderNodeDockerfile()), 0o644); err != nil {
		return false, fmt.Errorf("write dockerfile: %w", err)
	}
	return true, nil
}

func renderNodeDockerfile() string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM node:20-bullseye\n")
	b.WriteString("WORKDIR /app\n\n")
	b.WriteString("COPY package*.json ./\n")
	b.WriteString("RUN if [ -f package-lock.json ]; then npm ci --omit=dev; else npm install --omit=dev; fi\n\n")
	b.WriteString("COPY . ./\n")
	b.WriteString("ENV NODE_ENV=production\n")
	b.WriteString("ENV PORT=3000\n")
	b.WriteString("EXPOSE 3000\n")
	b.WriteString("CMD [\"npm\", \"start\"]\n")
	return b.String()
}
