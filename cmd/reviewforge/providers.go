package main

// Provider blank imports: each import activates a self-registering LLM
// backend.

import (
	_ "github.com/Strob0t/ReviewForge/internal/adapter/anthropic"
	_ "github.com/Strob0t/ReviewForge/internal/adapter/claudecli"
)
