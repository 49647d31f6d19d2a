// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"fmt"
	"strings"
)

// maxNameLength é o comprimento máximo para usernames e nomes de grupo.
const maxNameLength = 255

// validateName valida que um nome (username ou grupo) é seguro para uso como
// componente de caminho no filesystem. Nomes de grupo viram nomes de arquivo
// de log (messages/G_<group>.txt), e usernames viram diretórios de session
// log. Previne path traversal.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}

	if len(name) > maxNameLength {
		return fmt.Errorf("name exceeds max length %d", maxNameLength)
	}

	// Rejeita separadores de path
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("name contains path separator")
	}

	// Rejeita NUL byte
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("name contains null byte")
	}

	// Rejeita path traversal
	if name == "." || name == ".." || strings.HasPrefix(name, "..") {
		return fmt.Errorf("name contains path traversal")
	}

	// Rejeita nomes que começam com ponto (hidden files/dirs)
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("name starts with dot")
	}

	// Delimitadores das gramáticas das tabelas persistidas
	if strings.ContainsAny(name, ":|,") {
		return fmt.Errorf("name contains reserved delimiter")
	}

	return nil
}
