package changeset

// maxDiffArea caps the edit-distance table. Beyond it the changed middle is
// replaced wholesale, which is still correct, just not minimal.
const maxDiffArea = 1 << 20

// Diff returns a changeset turning oldText into newText. Common prefix and
// suffix become keeps; the changed middle is minimized with an
// edit-distance walk when small enough.
func Diff(oldText, newText string) string {
	p := 0
	for p < len(oldText) && p < len(newText) && oldText[p] == newText[p] {
		p++
	}
	s := 0
	for s < len(oldText)-p && s < len(newText)-p &&
		oldText[len(oldText)-1-s] == newText[len(newText)-1-s] {
		s++
	}
	midOld := oldText[p : len(oldText)-s]
	midNew := newText[p : len(newText)-s]

	b := NewBuilder(len(oldText))
	b.KeepText(oldText[:p], "")
	if len(midOld)*len(midNew) > maxDiffArea {
		b.Remove(len(midOld), countLines(midOld))
		b.Insert(midNew, "")
	} else {
		for _, e := range editScript(midOld, midNew) {
			switch e.op {
			case OpKeep:
				b.KeepText(string(e.ch), "")
			case OpRemove:
				lines := 0
				if e.ch == '\n' {
					lines = 1
				}
				b.Remove(1, lines)
			case OpInsert:
				b.Insert(string(e.ch), "")
			}
		}
	}
	return b.String()
}

type edit struct {
	op byte
	ch byte
}

// editScript walks a Levenshtein table (insertions and deletions only)
// backwards and returns the per-char edits in forward order. The assembler
// stack underneath the builder merges them into canonical runs.
func editScript(s1, s2 string) []edit {
	dp := make([][]int, len(s1)+1)
	dp[0] = make([]int, len(s2)+1)
	for j := 0; j <= len(s2); j++ {
		dp[0][j] = j
	}
	for i := 1; i <= len(s1); i++ {
		dp[i] = make([]int, len(s2)+1)
		dp[i][0] = i
		for j := 1; j <= len(s2); j++ {
			dp[i][j] = min(dp[i][j-1], dp[i-1][j]) + 1
			if s1[i-1] == s2[j-1] && dp[i-1][j-1] < dp[i][j] {
				dp[i][j] = dp[i-1][j-1]
			}
		}
	}

	var rev []edit
	i, j := len(s1), len(s2)
	for i > 0 || j > 0 {
		switch {
		case i == 0:
			rev = append(rev, edit{op: OpInsert, ch: s2[j-1]})
			j--
		case j == 0:
			rev = append(rev, edit{op: OpRemove, ch: s1[i-1]})
			i--
		case s1[i-1] == s2[j-1] && dp[i][j] == dp[i-1][j-1]:
			rev = append(rev, edit{op: OpKeep, ch: s1[i-1]})
			i--
			j--
		case dp[i][j] == dp[i][j-1]+1:
			rev = append(rev, edit{op: OpInsert, ch: s2[j-1]})
			j--
		default:
			rev = append(rev, edit{op: OpRemove, ch: s1[i-1]})
			i--
		}
	}
	for a, b := 0, len(rev)-1; a < b; a, b = a+1, b-1 {
		rev[a], rev[b] = rev[b], rev[a]
	}
	return rev
}
