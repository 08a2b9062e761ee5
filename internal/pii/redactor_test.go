package pii

import (
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	d := testDetector(t)

	t.Run("ConfirmedFindingsMasked", func(t *testing.T) {
		text := "Betaling fra Ola Nordmann til konto 1234.56.78901, kontakt: ola@example.com"
		findings := d.Detect(text)
		if len(findings) != 2 {
			t.Fatalf("Expected 2 findings, got %d", len(findings))
		}

		result := Redact(text, findings)

		want := "Betaling fra Ola Nordmann til konto [KONTO *78901], kontakt: [EPOST A]"
		if result.MaskedText != want {
			t.Errorf("Masked text mismatch:\n got  %q\n want %q", result.MaskedText, want)
		}
		if strings.Contains(result.MaskedText, "1234.56.78901") {
			t.Error("Original account number leaked into masked text")
		}
		if result.MaskMap["[KONTO *78901]"] != "1234.56.78901" {
			t.Errorf("MaskMap missing account entry: %v", result.MaskMap)
		}
		if result.MaskMap["[EPOST A]"] != "ola@example.com" {
			t.Errorf("MaskMap missing email entry: %v", result.MaskMap)
		}
	})

	t.Run("UnconfirmedFindingsLeftPlain", func(t *testing.T) {
		text := "konto 1234.56.78901, kontakt: ola@example.com"
		findings := d.Detect(text)

		// Reviewer rejects the email finding.
		for i := range findings {
			if findings[i].Category == CategoryEmail {
				findings[i].Confirmed = false
			}
		}

		result := Redact(text, findings)

		if !strings.Contains(result.MaskedText, "ola@example.com") {
			t.Error("Unconfirmed finding must stay as plain text")
		}
		if strings.Contains(result.MaskedText, "1234.56.78901") {
			t.Error("Confirmed finding was not masked")
		}
		if _, ok := result.MaskMap["[EPOST A]"]; ok {
			t.Error("MaskMap must not contain unconfirmed findings")
		}
	})

	t.Run("RepeatedValueSingleMapEntry", func(t *testing.T) {
		text := "ring 99 88 77 66 eller 99887766"
		findings := d.Detect(text)
		if len(findings) != 2 {
			t.Fatalf("Expected 2 findings, got %d", len(findings))
		}

		result := Redact(text, findings)

		if len(result.MaskMap) != 1 {
			t.Errorf("Expected 1 mask map entry for a repeated value, got %d", len(result.MaskMap))
		}
		if strings.Count(result.MaskedText, "[TELEFON A]") != 2 {
			t.Errorf("Expected mask applied twice, got %q", result.MaskedText)
		}
	})

	t.Run("BackToFrontOffsets", func(t *testing.T) {
		// Masks longer and shorter than the originals must not shift the
		// spans of other findings.
		text := "a ola@example.com b kari@example.com c 1234.56.78901 d"
		findings := d.Detect(text)
		if len(findings) != 3 {
			t.Fatalf("Expected 3 findings, got %d", len(findings))
		}

		result := Redact(text, findings)

		want := "a [EPOST A] b [EPOST B] c [KONTO *78901] d"
		if result.MaskedText != want {
			t.Errorf("Masked text mismatch:\n got  %q\n want %q", result.MaskedText, want)
		}
	})

	t.Run("NoFindings", func(t *testing.T) {
		result := Redact("ingen funn her", nil)
		if result.MaskedText != "ingen funn her" {
			t.Errorf("Text without findings must pass through unchanged")
		}
		if len(result.MaskMap) != 0 {
			t.Errorf("Expected empty mask map, got %v", result.MaskMap)
		}
	})
}

func TestRoundTrip(t *testing.T) {
	d := testDetector(t)

	t.Run("ScenarioFromReview", func(t *testing.T) {
		text := "Betaling fra Ola Nordmann til konto 1234.56.78901, kontakt: ola@example.com"
		findings := d.Detect(text)
		result := Redact(text, findings)

		// The analysis service echoes masks verbatim in its own output.
		analysisOutput := "Dokumentet gjelder en betaling til [KONTO *78901]. Send svar til [EPOST A]."
		restored := Unredact(analysisOutput, result.MaskMap)

		want := "Dokumentet gjelder en betaling til 1234.56.78901. Send svar til ola@example.com."
		if restored != want {
			t.Errorf("Round trip mismatch:\n got  %q\n want %q", restored, want)
		}
		if !strings.Contains(restored, "1234.56.78901") {
			t.Error("Account number not restored")
		}
	})

	t.Run("MaskedTextRestoresToOriginal", func(t *testing.T) {
		text := "fnr 12345678901, tlf 99 88 77 66, epost ola@example.com"
		findings := d.Detect(text)
		result := Redact(text, findings)

		if restored := Unredact(result.MaskedText, result.MaskMap); restored != text {
			t.Errorf("Unredact(Redact(text)) != text:\n got  %q\n want %q", restored, text)
		}
	})

	t.Run("UnconfirmedNeverMasked", func(t *testing.T) {
		text := "konto 1234.56.78901 og epost ola@example.com"
		findings := d.Detect(text)
		for i := range findings {
			findings[i].Confirmed = false
		}

		result := Redact(text, findings)
		if result.MaskedText != text {
			t.Errorf("All-unconfirmed redaction must be a no-op, got %q", result.MaskedText)
		}
		if restored := Unredact(result.MaskedText, result.MaskMap); restored != text {
			t.Errorf("Round trip changed untouched text: %q", restored)
		}
	})
}
