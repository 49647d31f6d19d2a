// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import "fmt"

// Success monta uma linha de resposta de sucesso, sem o '\n' final.
// Se payload for vazio a linha termina no código.
func Success(code int, payload string) string {
	if payload == "" {
		return fmt.Sprintf("SUCCESS %d", code)
	}
	return fmt.Sprintf("SUCCESS %d %s", code, payload)
}

// Fail monta uma linha de resposta de falha, sem o '\n' final.
func Fail(code int, reason string) string {
	return fmt.Sprintf("FAIL %d %s", code, reason)
}
