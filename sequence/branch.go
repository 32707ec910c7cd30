package sequence

// BranchResolver maps a step position to the next one for the fixed
// condition layout: condition at c, TRUE branch at c+1, FALSE branch at
// c+2, merge at c+3.
type BranchResolver struct {
	steps Steps
}

func NewBranchResolver(steps Steps) BranchResolver {
	return BranchResolver{steps: steps}
}

// Select returns the branch entered after evaluating the condition at c.
func (b BranchResolver) Select(c int, result bool) int {
	if result {
		return c + 1
	}
	return c + 2
}

// NextAfterEmail returns the index following the email step at i. An email
// on either branch of a condition jumps to that condition's merge point.
func (b BranchResolver) NextAfterEmail(i int) int {
	if c, ok := b.conditionAt(i - 1); ok {
		return c.MergeAt
	}
	if c, ok := b.conditionAt(i - 2); ok {
		return c.MergeAt
	}
	return i + 1
}

func (b BranchResolver) conditionAt(i int) (ConditionStep, bool) {
	if i < 0 || i >= len(b.steps) {
		return ConditionStep{}, false
	}
	c, ok := b.steps[i].(ConditionStep)
	return c, ok
}
