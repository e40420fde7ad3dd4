package exam

import (
	"fmt"
	"sort"
)

const DefaultPointsPerQuestion = 3

// GradeResult is the outcome of grading one answer set.
type GradeResult struct {
	Score    int `json:"score"`
	Correct  int `json:"correct"`
	Wrong    int `json:"wrong"`
	Answered int `json:"answered"`
}

// Grade awards pointValue for every answer whose selection matches the key.
// Unanswered questions never appear in answers and earn nothing. An answer
// whose question has no key is a data fault, not a wrong answer.
func Grade(answers []AnswerState, keys map[string]int, pointValue int) (GradeResult, error) {
	if pointValue <= 0 {
		pointValue = DefaultPointsPerQuestion
	}

	missing := make([]string, 0)
	var res GradeResult
	for _, a := range answers {
		key, ok := keys[a.QuestionID]
		if !ok {
			missing = append(missing, a.QuestionID)
			continue
		}
		res.Answered++
		if a.SelectedOptionIndex == key {
			res.Correct++
			res.Score += pointValue
		} else {
			res.Wrong++
		}
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return GradeResult{}, fmt.Errorf("%w: %v", ErrMissingQuestionReference, missing)
	}
	return res, nil
}
